package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertDelivery = `INSERT INTO deliveries(id, activity_id, inbox_uri, status, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?)`

	sqlSelectDelivery     = `SELECT id, activity_id, inbox_uri, status, attempts, last_attempt_at, next_retry_at, error_message, created_at FROM deliveries`
	sqlSelectDeliveryById = sqlSelectDelivery + ` WHERE id = ?`
	sqlSelectDueDeliveries = sqlSelectDelivery + ` WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`

	sqlMarkDeliveryDelivered = `UPDATE deliveries SET status = 'delivered', last_attempt_at = ?, error_message = '' WHERE id = ?`
	sqlMarkDeliveryFailed    = `UPDATE deliveries SET status = 'failed', last_attempt_at = ?, error_message = ? WHERE id = ?`
	sqlUpdateDeliveryRetry   = `UPDATE deliveries SET attempts = ?, last_attempt_at = ?, next_retry_at = ?, error_message = ? WHERE id = ?`
	sqlPurgeFinishedDeliveries = `DELETE FROM deliveries WHERE status IN ('delivered', 'failed') AND created_at < ?`
	sqlCountPendingDeliveries  = `SELECT COUNT(*) FROM deliveries WHERE status = 'pending'`
)

// CreateDeliveries inserts one pending delivery row per inbox for the given
// activity, all in one transaction, and returns the created rows. The inbox
// list must already be compacted and deduplicated by the caller.
func (db *DB) CreateDeliveries(activityId uuid.UUID, inboxURIs []string) ([]domain.Delivery, error) {
	now := time.Now().UTC()
	deliveries := make([]domain.Delivery, 0, len(inboxURIs))
	err := db.WithTransaction(func(tx *DB) error {
		for _, inbox := range inboxURIs {
			d := domain.Delivery{
				Id:          uuid.New(),
				ActivityId:  activityId,
				InboxURI:    inbox,
				Status:      domain.DeliveryPending,
				NextRetryAt: &now,
				CreatedAt:   now,
			}
			_, err := tx.ex.Exec(sqlInsertDelivery, d.Id, activityId.String(), inbox, now, now)
			if err != nil {
				return err
			}
			deliveries = append(deliveries, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (db *DB) ReadDeliveryById(id uuid.UUID) (*domain.Delivery, error) {
	return db.scanDelivery(db.ex.QueryRow(sqlSelectDeliveryById, id.String()))
}

// ReadDueDeliveries returns pending deliveries whose retry time has come,
// oldest first.
func (db *DB) ReadDueDeliveries(limit int) ([]domain.Delivery, error) {
	rows, err := db.ex.Query(sqlSelectDueDeliveries, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []domain.Delivery
	for rows.Next() {
		d, err := scanDeliveryRow(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (db *DB) MarkDeliveryDelivered(id uuid.UUID) error {
	_, err := db.ex.Exec(sqlMarkDeliveryDelivered, time.Now().UTC(), id.String())
	return err
}

func (db *DB) MarkDeliveryFailed(id uuid.UUID, errorMessage string) error {
	_, err := db.ex.Exec(sqlMarkDeliveryFailed, time.Now().UTC(), errorMessage, id.String())
	return err
}

// UpdateDeliveryRetry records a transient failure and schedules the next
// attempt on the same row.
func (db *DB) UpdateDeliveryRetry(id uuid.UUID, attempts int, nextRetry time.Time, errorMessage string) error {
	_, err := db.ex.Exec(sqlUpdateDeliveryRetry, attempts, time.Now().UTC(), nextRetry, errorMessage, id.String())
	return err
}

// PurgeFinishedDeliveries deletes delivered and terminally failed rows older
// than the cutoff. Returns the number of rows removed.
func (db *DB) PurgeFinishedDeliveries(olderThan time.Time) (int64, error) {
	res, err := db.ex.Exec(sqlPurgeFinishedDeliveries, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) CountPendingDeliveries() (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountPendingDeliveries).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliveryRow(row rowScanner) (*domain.Delivery, error) {
	var d domain.Delivery
	var id, activityId string
	var lastAttempt, nextRetry sql.NullTime
	err := row.Scan(&id, &activityId, &d.InboxURI, &d.Status, &d.Attempts,
		&lastAttempt, &nextRetry, &d.ErrorMessage, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if d.ActivityId, err = uuid.Parse(activityId); err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		d.LastAttemptAt = &t
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		d.NextRetryAt = &t
	}
	return &d, nil
}

func (db *DB) scanDelivery(row *sql.Row) (*domain.Delivery, error) {
	return scanDeliveryRow(row)
}
