package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertJob = `INSERT INTO jobs(id, queue, priority, args, unique_key, state, attempts, max_attempts, scheduled_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, 'available', 0, ?, ?, ?)`

	sqlSelectDuplicateJob = `SELECT COUNT(*) FROM jobs WHERE queue = ? AND unique_key = ? AND inserted_at >= ?`

	sqlSelectLeasableJobs = `SELECT id, queue, priority, args, unique_key, attempts, max_attempts, scheduled_at, inserted_at
		FROM jobs WHERE queue = ? AND state = 'available' AND scheduled_at <= ?
		ORDER BY priority ASC, scheduled_at ASC LIMIT ?`

	sqlMarkJobsExecuting = `UPDATE jobs SET state = 'executing', scheduled_at = ? WHERE id = ?`
	sqlDeleteJob         = `DELETE FROM jobs WHERE id = ?`
	sqlSnoozeJob         = `UPDATE jobs SET state = 'available', scheduled_at = ? WHERE id = ?`
	sqlRetryJob          = `UPDATE jobs SET state = 'available', attempts = attempts + 1, scheduled_at = ? WHERE id = ?`
	sqlRescueStuckJobs   = `UPDATE jobs SET state = 'available' WHERE state = 'executing' AND scheduled_at < ?`
	sqlPurgeOldJobs      = `DELETE FROM jobs WHERE queue = ? AND inserted_at < ?`
	sqlCountQueueJobs    = `SELECT COUNT(*) FROM jobs WHERE queue = ?`
)

// InsertJob enqueues a job. When the job carries a unique key, an insert
// within the uniqueness window of an identical key is dropped. Returns true
// if the job was actually enqueued.
func (db *DB) InsertJob(job *domain.Job, uniqueWindow time.Duration) (bool, error) {
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	now := time.Now().UTC()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	if job.InsertedAt.IsZero() {
		job.InsertedAt = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	if job.Args == "" {
		job.Args = "{}"
	}

	inserted := false
	err := db.WithTransaction(func(tx *DB) error {
		if job.UniqueKey != "" && uniqueWindow > 0 {
			var count int
			since := now.Add(-uniqueWindow)
			if err := tx.ex.QueryRow(sqlSelectDuplicateJob, job.Queue, job.UniqueKey, since).Scan(&count); err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
		}
		_, err := tx.ex.Exec(sqlInsertJob,
			job.Id, job.Queue, job.Priority, job.Args, job.UniqueKey,
			job.MaxAttempts, job.ScheduledAt, job.InsertedAt)
		if err == nil {
			inserted = true
		}
		return err
	})
	return inserted, err
}

// LeaseJobs atomically claims up to limit due jobs from a queue, highest
// priority first, FIFO within a priority. Claimed jobs stay invisible to
// other workers until completed, snoozed or failed. scheduled_at is stamped
// with the lease time so RescueStuckJobs measures how long a job has been
// held, not how long ago it was due.
func (db *DB) LeaseJobs(queue string, limit int) ([]domain.Job, error) {
	now := time.Now().UTC()
	var jobs []domain.Job
	err := db.WithTransaction(func(tx *DB) error {
		rows, err := tx.ex.Query(sqlSelectLeasableJobs, queue, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var j domain.Job
			var id string
			if err := rows.Scan(&id, &j.Queue, &j.Priority, &j.Args, &j.UniqueKey,
				&j.Attempts, &j.MaxAttempts, &j.ScheduledAt, &j.InsertedAt); err != nil {
				return err
			}
			if j.Id, err = uuid.Parse(id); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range jobs {
			if _, err := tx.ex.Exec(sqlMarkJobsExecuting, now, j.Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CompleteJob removes a finished job.
func (db *DB) CompleteJob(id uuid.UUID) error {
	_, err := db.ex.Exec(sqlDeleteJob, id.String())
	return err
}

// SnoozeJob reschedules a job without consuming an attempt.
func (db *DB) SnoozeJob(id uuid.UUID, until time.Time) error {
	_, err := db.ex.Exec(sqlSnoozeJob, until, id.String())
	return err
}

// RetryJob records a failed attempt. The job is discarded once attempts
// reach max_attempts, otherwise rescheduled for nextRun. Returns true if the
// job will run again.
func (db *DB) RetryJob(job *domain.Job, nextRun time.Time) (bool, error) {
	if job.Attempts+1 >= job.MaxAttempts {
		_, err := db.ex.Exec(sqlDeleteJob, job.Id.String())
		return false, err
	}
	_, err := db.ex.Exec(sqlRetryJob, nextRun, job.Id.String())
	return true, err
}

// RescueStuckJobs returns jobs abandoned mid-execution (for example after a
// crash) to the available state. A job counts as stuck when it was leased
// before olderThan.
func (db *DB) RescueStuckJobs(olderThan time.Time) (int64, error) {
	res, err := db.ex.Exec(sqlRescueStuckJobs, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeOldJobs drops jobs of a queue older than the cutoff regardless of
// state. Returns the number of rows removed.
func (db *DB) PurgeOldJobs(queue string, olderThan time.Time) (int64, error) {
	res, err := db.ex.Exec(sqlPurgeOldJobs, queue, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) CountQueueJobs(queue string) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountQueueJobs, queue).Scan(&n)
	return n, err
}
