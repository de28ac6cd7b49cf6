package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlUpsertActor = `INSERT INTO actors(id, uri, username, domain, actor_type, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, public_key_pem, private_key_pem, manually_approves_followers, local, account_id, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			actor_type = excluded.actor_type,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			public_key_pem = excluded.public_key_pem,
			manually_approves_followers = excluded.manually_approves_followers,
			last_fetched_at = excluded.last_fetched_at`

	sqlSelectActor            = `SELECT id, uri, username, domain, actor_type, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, public_key_pem, private_key_pem, manually_approves_followers, local, account_id, last_fetched_at FROM actors`
	sqlSelectActorByURI       = sqlSelectActor + ` WHERE uri = ?`
	sqlSelectActorById        = sqlSelectActor + ` WHERE id = ?`
	sqlSelectActorByHandle    = sqlSelectActor + ` WHERE username = ? COLLATE NOCASE AND domain = ?`
	sqlSelectActorByAccount   = sqlSelectActor + ` WHERE account_id = ?`
	sqlSelectLocalKeyedActors = sqlSelectActor + ` WHERE local = 1 AND private_key_pem != ''`
	sqlUpdateActorKeys        = `UPDATE actors SET public_key_pem = ?, private_key_pem = ? WHERE id = ?`
	sqlDeleteActorByURI       = `DELETE FROM actors WHERE uri = ?`
	sqlCountActorsByDomain    = `SELECT COUNT(*) FROM actors WHERE domain = ?`
	sqlSelectSharedInbox      = `SELECT shared_inbox_uri FROM actors WHERE domain = ? AND shared_inbox_uri != '' LIMIT 1`
)

// UpsertActor inserts or refreshes an actor record keyed by its URI. The
// private key of an existing row is never overwritten on refresh.
func (db *DB) UpsertActor(actor *domain.Actor) error {
	if actor.Id == uuid.Nil {
		actor.Id = uuid.New()
	}
	if actor.LastFetchedAt.IsZero() {
		actor.LastFetchedAt = time.Now().UTC()
	}
	var accountId any
	if actor.AccountId != nil {
		accountId = actor.AccountId.String()
	}
	_, err := db.ex.Exec(sqlUpsertActor,
		actor.Id, actor.URI, actor.Username, actor.Domain, actor.ActorType,
		actor.DisplayName, actor.Summary,
		actor.InboxURI, actor.SharedInboxURI, actor.OutboxURI, actor.FollowersURI,
		actor.PublicKeyPem, actor.PrivateKeyPem,
		boolToInt(actor.ManuallyApprovesFollowers), boolToInt(actor.Local),
		accountId, actor.LastFetchedAt)
	return err
}

func (db *DB) ReadActorByURI(uri string) (*domain.Actor, error) {
	return db.scanActor(db.ex.QueryRow(sqlSelectActorByURI, uri))
}

func (db *DB) ReadActorById(id uuid.UUID) (*domain.Actor, error) {
	return db.scanActor(db.ex.QueryRow(sqlSelectActorById, id.String()))
}

func (db *DB) ReadActorByHandle(username, domainName string) (*domain.Actor, error) {
	return db.scanActor(db.ex.QueryRow(sqlSelectActorByHandle, username, domainName))
}

func (db *DB) ReadActorByAccountId(accountId uuid.UUID) (*domain.Actor, error) {
	return db.scanActor(db.ex.QueryRow(sqlSelectActorByAccount, accountId.String()))
}

// ReadLocalKeyedActors returns every local actor that holds a private key,
// for the startup key encoding migration. Service actors keep their keys on
// the actor row rather than on an account.
func (db *DB) ReadLocalKeyedActors() ([]domain.Actor, error) {
	rows, err := db.ex.Query(sqlSelectLocalKeyedActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var id string
		var accountId sql.NullString
		var manual, local int
		if err := rows.Scan(&id, &a.URI, &a.Username, &a.Domain, &a.ActorType,
			&a.DisplayName, &a.Summary,
			&a.InboxURI, &a.SharedInboxURI, &a.OutboxURI, &a.FollowersURI,
			&a.PublicKeyPem, &a.PrivateKeyPem, &manual, &local, &accountId, &a.LastFetchedAt); err != nil {
			return nil, err
		}
		a.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		a.ManuallyApprovesFollowers = manual != 0
		a.Local = local != 0
		if accountId.Valid {
			parsed, err := uuid.Parse(accountId.String)
			if err == nil {
				a.AccountId = &parsed
			}
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// UpdateActorKeys rewrites the stored keypair of an actor. Unlike
// UpsertActor this touches the private key.
func (db *DB) UpdateActorKeys(id uuid.UUID, publicKeyPem, privateKeyPem string) error {
	_, err := db.ex.Exec(sqlUpdateActorKeys, publicKeyPem, privateKeyPem, id.String())
	return err
}

func (db *DB) DeleteActorByURI(uri string) error {
	_, err := db.ex.Exec(sqlDeleteActorByURI, uri)
	return err
}

// ReadSharedInboxForDomain returns any advertised shared inbox of a cached
// actor on the given domain, or ErrNotFound.
func (db *DB) ReadSharedInboxForDomain(domainName string) (string, error) {
	var inbox string
	err := db.ex.QueryRow(sqlSelectSharedInbox, domainName).Scan(&inbox)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return inbox, err
}

func (db *DB) CountActorsByDomain(domainName string) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountActorsByDomain, domainName).Scan(&n)
	return n, err
}

func (db *DB) scanActor(row *sql.Row) (*domain.Actor, error) {
	var a domain.Actor
	var id string
	var accountId sql.NullString
	var manual, local int
	err := row.Scan(&id, &a.URI, &a.Username, &a.Domain, &a.ActorType,
		&a.DisplayName, &a.Summary,
		&a.InboxURI, &a.SharedInboxURI, &a.OutboxURI, &a.FollowersURI,
		&a.PublicKeyPem, &a.PrivateKeyPem, &manual, &local, &accountId, &a.LastFetchedAt)
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
	a.ManuallyApprovesFollowers = manual != 0
	a.Local = local != 0
	if accountId.Valid {
		parsed, err := uuid.Parse(accountId.String)
		if err == nil {
			a.AccountId = &parsed
		}
	}
	return &a, nil
}
