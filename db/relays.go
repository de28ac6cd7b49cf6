package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertRelaySubscription = `INSERT INTO relay_subscriptions(id, relay_uri, relay_inbox_uri, follow_activity_uri, status, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relay_uri) DO UPDATE SET
			relay_inbox_uri = excluded.relay_inbox_uri,
			follow_activity_uri = excluded.follow_activity_uri,
			status = excluded.status`

	sqlSelectRelaySubscription     = `SELECT id, relay_uri, relay_inbox_uri, follow_activity_uri, status, accepted, created_at, accepted_at FROM relay_subscriptions`
	sqlSelectRelayByURI            = sqlSelectRelaySubscription + ` WHERE relay_uri = ?`
	sqlSelectRelayByFollowURI      = sqlSelectRelaySubscription + ` WHERE follow_activity_uri = ?`
	sqlSelectActiveRelays          = sqlSelectRelaySubscription + ` WHERE status = 'active' ORDER BY created_at ASC`
	sqlSelectAllRelays             = sqlSelectRelaySubscription + ` ORDER BY created_at ASC`
	sqlUpdateRelayStatus           = `UPDATE relay_subscriptions SET status = ?, accepted = ?, accepted_at = ? WHERE id = ?`
	sqlDeleteRelaySubscriptionByURI = `DELETE FROM relay_subscriptions WHERE relay_uri = ?`
)

// UpsertRelaySubscription creates or refreshes the subscription record for a
// relay actor.
func (db *DB) UpsertRelaySubscription(sub *domain.RelaySubscription) error {
	if sub.Id == uuid.Nil {
		sub.Id = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.Status == "" {
		sub.Status = domain.RelayPending
	}
	_, err := db.ex.Exec(sqlInsertRelaySubscription,
		sub.Id, sub.RelayURI, sub.RelayInboxURI, sub.FollowActivityURI,
		sub.Status, boolToInt(sub.Accepted), sub.CreatedAt)
	return err
}

func (db *DB) ReadRelaySubscriptionByURI(relayURI string) (*domain.RelaySubscription, error) {
	return scanRelayRow(db.ex.QueryRow(sqlSelectRelayByURI, relayURI))
}

func (db *DB) ReadRelaySubscriptionByFollowURI(followURI string) (*domain.RelaySubscription, error) {
	return scanRelayRow(db.ex.QueryRow(sqlSelectRelayByFollowURI, followURI))
}

func (db *DB) ReadActiveRelaySubscriptions() ([]domain.RelaySubscription, error) {
	return db.queryRelays(sqlSelectActiveRelays)
}

func (db *DB) ReadAllRelaySubscriptions() ([]domain.RelaySubscription, error) {
	return db.queryRelays(sqlSelectAllRelays)
}

// UpdateRelayStatus moves a subscription through its state machine. The
// accepted timestamp is set when the relay acknowledges the follow.
func (db *DB) UpdateRelayStatus(id uuid.UUID, status string) error {
	accepted := status == domain.RelayActive
	var acceptedAt any
	if accepted {
		acceptedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlUpdateRelayStatus, status, boolToInt(accepted), acceptedAt, id.String())
	return err
}

func (db *DB) DeleteRelaySubscriptionByURI(relayURI string) error {
	_, err := db.ex.Exec(sqlDeleteRelaySubscriptionByURI, relayURI)
	return err
}

func (db *DB) queryRelays(query string, args ...any) ([]domain.RelaySubscription, error) {
	rows, err := db.ex.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.RelaySubscription
	for rows.Next() {
		sub, err := scanRelayRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanRelayRow(row rowScanner) (*domain.RelaySubscription, error) {
	var sub domain.RelaySubscription
	var id string
	var accepted int
	var acceptedAt sql.NullTime
	err := row.Scan(&id, &sub.RelayURI, &sub.RelayInboxURI, &sub.FollowActivityURI,
		&sub.Status, &accepted, &sub.CreatedAt, &acceptedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sub.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	sub.Accepted = accepted != 0
	if acceptedAt.Valid {
		t := acceptedAt.Time
		sub.AcceptedAt = &t
	}
	return &sub, nil
}
