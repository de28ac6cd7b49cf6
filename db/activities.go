package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, local, account_id, processed, processed_at, process_error, process_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO NOTHING`

	sqlSelectActivity            = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, local, account_id, processed, processed_at, process_error, process_attempts, created_at FROM activities`
	sqlSelectActivityByURI       = sqlSelectActivity + ` WHERE activity_uri = ?`
	sqlSelectActivityById        = sqlSelectActivity + ` WHERE id = ?`
	sqlSelectActivityByObjectURI = sqlSelectActivity + ` WHERE object_uri = ? ORDER BY created_at ASC LIMIT 1`

	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1, processed_at = ?, process_error = '', process_attempts = process_attempts + 1 WHERE id = ?`
	sqlMarkActivityFailed    = `UPDATE activities SET process_error = ?, process_attempts = process_attempts + 1 WHERE id = ?`
	sqlDeleteActivityByURI   = `DELETE FROM activities WHERE activity_uri = ?`
	sqlDeleteActorActivities = `DELETE FROM activities WHERE actor_uri = ? AND local = 0`
	sqlActivityURIExists     = `SELECT EXISTS(SELECT 1 FROM activities WHERE activity_uri = ?)`
)

// CreateActivity stores an activity, ignoring duplicates by activity URI.
// Returns true if a new row was inserted.
func (db *DB) CreateActivity(a *domain.Activity) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var accountId any
	if a.AccountId != nil {
		accountId = a.AccountId.String()
	}
	res, err := db.ex.Exec(sqlInsertActivity,
		a.Id, a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.RawJSON,
		boolToInt(a.Local), accountId,
		boolToInt(a.Processed), a.ProcessedAt, a.ProcessError, a.ProcessAttempts, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateActivities inserts a chunk of activities in a single transaction.
// Duplicates within the chunk or against stored rows are skipped silently.
func (db *DB) CreateActivities(activities []*domain.Activity) error {
	return db.WithTransaction(func(tx *DB) error {
		for _, a := range activities {
			if _, err := tx.CreateActivity(a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ReadActivityByURI(uri string) (*domain.Activity, error) {
	return db.scanActivity(db.ex.QueryRow(sqlSelectActivityByURI, uri))
}

func (db *DB) ReadActivityById(id uuid.UUID) (*domain.Activity, error) {
	return db.scanActivity(db.ex.QueryRow(sqlSelectActivityById, id.String()))
}

func (db *DB) ReadActivityByObjectURI(objectURI string) (*domain.Activity, error) {
	return db.scanActivity(db.ex.QueryRow(sqlSelectActivityByObjectURI, objectURI))
}

// ActivityURIExists reports whether an activity with the given URI is stored.
func (db *DB) ActivityURIExists(uri string) (bool, error) {
	var exists int
	err := db.ex.QueryRow(sqlActivityURIExists, uri).Scan(&exists)
	return exists != 0, err
}

func (db *DB) MarkActivityProcessed(id uuid.UUID) error {
	_, err := db.ex.Exec(sqlMarkActivityProcessed, time.Now().UTC(), id.String())
	return err
}

func (db *DB) MarkActivityFailed(id uuid.UUID, processError string) error {
	_, err := db.ex.Exec(sqlMarkActivityFailed, processError, id.String())
	return err
}

func (db *DB) DeleteActivityByURI(uri string) error {
	_, err := db.ex.Exec(sqlDeleteActivityByURI, uri)
	return err
}

// DeleteActivitiesByActorURI removes all remote activities of an actor, used
// when the actor itself is deleted.
func (db *DB) DeleteActivitiesByActorURI(actorURI string) error {
	_, err := db.ex.Exec(sqlDeleteActorActivities, actorURI)
	return err
}

func (db *DB) scanActivity(row *sql.Row) (*domain.Activity, error) {
	var a domain.Activity
	var id string
	var accountId sql.NullString
	var processedAt sql.NullTime
	var local, processed int
	err := row.Scan(&id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI,
		&a.RawJSON, &local, &accountId, &processed, &processedAt,
		&a.ProcessError, &a.ProcessAttempts, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	a.Local = local != 0
	a.Processed = processed != 0
	if processedAt.Valid {
		t := processedAt.Time
		a.ProcessedAt = &t
	}
	if accountId.Valid {
		parsed, err := uuid.Parse(accountId.String)
		if err == nil {
			a.AccountId = &parsed
		}
	}
	return &a, nil
}
