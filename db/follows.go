package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertFollow = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, target_account_id) DO UPDATE SET uri = excluded.uri`

	sqlSelectFollow       = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows`
	sqlSelectFollowByURI  = sqlSelectFollow + ` WHERE uri = ?`
	sqlSelectFollowByPair = sqlSelectFollow + ` WHERE account_id = ? AND target_account_id = ?`

	sqlAcceptFollowByURI = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowByURI = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowsByActor = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`

	// Follower inboxes of a local account, for addressing outgoing activities.
	// Shared inbox wins when the remote advertises one.
	sqlSelectFollowerInboxes = `SELECT DISTINCT CASE WHEN actors.shared_inbox_uri != '' THEN actors.shared_inbox_uri ELSE actors.inbox_uri END
		FROM follows INNER JOIN actors ON actors.id = follows.account_id
		WHERE follows.target_account_id = ? AND follows.accepted = 1`

	sqlSelectFollowerURIs = `SELECT actors.uri FROM follows
		INNER JOIN actors ON actors.id = follows.account_id
		WHERE follows.target_account_id = ? AND follows.accepted = 1
		ORDER BY follows.created_at DESC LIMIT ? OFFSET ?`
	sqlSelectFollowingURIs = `SELECT actors.uri FROM follows
		INNER JOIN actors ON actors.id = follows.target_account_id
		WHERE follows.account_id = ? AND follows.accepted = 1
		ORDER BY follows.created_at DESC LIMIT ? OFFSET ?`

	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = 1`
)

// CreateFollow records a follow edge. Both sides are actor/account ids; a
// duplicate pair refreshes the activity URI instead of failing.
func (db *DB) CreateFollow(f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlInsertFollow,
		f.Id, f.AccountId.String(), f.TargetAccountId.String(), f.URI,
		boolToInt(f.Accepted), f.CreatedAt)
	return err
}

func (db *DB) ReadFollowByURI(uri string) (*domain.Follow, error) {
	return scanFollowRow(db.ex.QueryRow(sqlSelectFollowByURI, uri))
}

func (db *DB) ReadFollowByPair(accountId, targetAccountId uuid.UUID) (*domain.Follow, error) {
	return scanFollowRow(db.ex.QueryRow(sqlSelectFollowByPair, accountId.String(), targetAccountId.String()))
}

func (db *DB) AcceptFollowByURI(uri string) error {
	_, err := db.ex.Exec(sqlAcceptFollowByURI, uri)
	return err
}

func (db *DB) DeleteFollowByURI(uri string) error {
	_, err := db.ex.Exec(sqlDeleteFollowByURI, uri)
	return err
}

// DeleteFollowsByActorId removes all follow edges touching an actor, used
// when the actor is deleted.
func (db *DB) DeleteFollowsByActorId(actorId uuid.UUID) error {
	_, err := db.ex.Exec(sqlDeleteFollowsByActor, actorId.String(), actorId.String())
	return err
}

// ReadFollowerInboxes returns the deduplicated delivery inboxes of all
// accepted followers of a local account.
func (db *DB) ReadFollowerInboxes(accountId uuid.UUID) ([]string, error) {
	return db.queryStrings(sqlSelectFollowerInboxes, accountId.String())
}

func (db *DB) ReadFollowerURIs(accountId uuid.UUID, limit, offset int) ([]string, error) {
	return db.queryStrings(sqlSelectFollowerURIs, accountId.String(), limit, offset)
}

func (db *DB) ReadFollowingURIs(accountId uuid.UUID, limit, offset int) ([]string, error) {
	return db.queryStrings(sqlSelectFollowingURIs, accountId.String(), limit, offset)
}

func (db *DB) CountFollowers(accountId uuid.UUID) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountFollowers, accountId.String()).Scan(&n)
	return n, err
}

func (db *DB) CountFollowing(accountId uuid.UUID) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountFollowing, accountId.String()).Scan(&n)
	return n, err
}

func (db *DB) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := db.ex.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanFollowRow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var id, accountId, targetId string
	var accepted int
	err := row.Scan(&id, &accountId, &targetId, &f.URI, &accepted, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if f.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if f.AccountId, err = uuid.Parse(accountId); err != nil {
		return nil, err
	}
	if f.TargetAccountId, err = uuid.Parse(targetId); err != nil {
		return nil, err
	}
	f.Accepted = accepted != 0
	return &f, nil
}
