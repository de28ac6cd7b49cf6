package db

import (
	"database/sql"
	"time"

	"github.com/perchnet/perch/domain"
)

const (
	sqlUpsertSigningKey = `INSERT INTO signing_keys(key_id, owner_uri, public_key_pem, private_key_pem, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			owner_uri = excluded.owner_uri,
			public_key_pem = excluded.public_key_pem,
			updated_at = excluded.updated_at`

	sqlSelectSigningKey       = `SELECT key_id, owner_uri, public_key_pem, private_key_pem, updated_at FROM signing_keys WHERE key_id = ?`
	sqlDeleteSigningKeysOwner = `DELETE FROM signing_keys WHERE owner_uri = ?`
)

// UpsertSigningKey caches a key by keyId. A refresh never clears a stored
// private key.
func (db *DB) UpsertSigningKey(key *domain.SigningKey) error {
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlUpsertSigningKey,
		key.KeyId, key.OwnerURI, key.PublicKeyPem, key.PrivateKeyPem, key.UpdatedAt)
	return err
}

func (db *DB) ReadSigningKey(keyId string) (*domain.SigningKey, error) {
	var key domain.SigningKey
	err := db.ex.QueryRow(sqlSelectSigningKey, keyId).Scan(
		&key.KeyId, &key.OwnerURI, &key.PublicKeyPem, &key.PrivateKeyPem, &key.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// DeleteSigningKeysByOwner drops every cached key of an actor, forcing a
// refetch on next verification.
func (db *DB) DeleteSigningKeysByOwner(ownerURI string) error {
	_, err := db.ex.Exec(sqlDeleteSigningKeysOwner, ownerURI)
	return err
}
