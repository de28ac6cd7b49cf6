package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, public_key_pem, private_key_pem, is_admin, manually_approves_followers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount             = `SELECT id, username, display_name, summary, public_key_pem, private_key_pem, is_admin, manually_approves_followers, created_at FROM accounts`
	sqlSelectAccountByUsername   = sqlSelectAccount + ` WHERE username = ? COLLATE NOCASE`
	sqlSelectAccountById         = sqlSelectAccount + ` WHERE id = ?`
	sqlCountAccounts             = `SELECT COUNT(*) FROM accounts`
	sqlCountLocalNotes           = `SELECT COUNT(*) FROM notes WHERE account_id IS NOT NULL AND deleted = 0`
	sqlCountActiveAccountsSince  = `SELECT COUNT(DISTINCT account_id) FROM notes WHERE account_id IS NOT NULL AND created_at >= ?`
	sqlUpdateAccountProfile      = `UPDATE accounts SET display_name = ?, summary = ? WHERE id = ?`
	sqlUpdateAccountKeys         = `UPDATE accounts SET public_key_pem = ?, private_key_pem = ? WHERE id = ?`
	sqlSelectAccountsWithKeys    = sqlSelectAccount + ` WHERE private_key_pem != ''`
)

// CreateAccount inserts a local account. The first account created becomes
// an admin.
func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.WithTransaction(func(tx *DB) error {
		var count int
		if err := tx.ex.QueryRow(sqlCountAccounts).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			acc.IsAdmin = true
		}
		if acc.Id == uuid.Nil {
			acc.Id = uuid.New()
		}
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ex.Exec(sqlInsertAccount,
			acc.Id, acc.Username, acc.DisplayName, acc.Summary,
			acc.PublicKeyPem, acc.PrivateKeyPem,
			boolToInt(acc.IsAdmin), boolToInt(acc.ManuallyApprovesFollowers), acc.CreatedAt)
		return err
	})
}

func (db *DB) ReadAccountByUsername(username string) (*domain.Account, error) {
	return db.scanAccount(db.ex.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAccountById(id uuid.UUID) (*domain.Account, error) {
	return db.scanAccount(db.ex.QueryRow(sqlSelectAccountById, id.String()))
}

func (db *DB) UpdateAccountProfile(id uuid.UUID, displayName, summary string) error {
	_, err := db.ex.Exec(sqlUpdateAccountProfile, displayName, summary, id.String())
	return err
}

// UpdateAccountKeys stores a freshly generated keypair for an account that
// federated before it had one.
func (db *DB) UpdateAccountKeys(id uuid.UUID, publicKeyPem, privateKeyPem string) error {
	_, err := db.ex.Exec(sqlUpdateAccountKeys, publicKeyPem, privateKeyPem, id.String())
	return err
}

// ReadAccountsWithKeys returns every account that holds a keypair, for the
// startup key encoding migration.
func (db *DB) ReadAccountsWithKeys() ([]domain.Account, error) {
	rows, err := db.ex.Query(sqlSelectAccountsWithKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var acc domain.Account
		var id string
		var isAdmin, manual int
		if err := rows.Scan(&id, &acc.Username, &acc.DisplayName, &acc.Summary,
			&acc.PublicKeyPem, &acc.PrivateKeyPem, &isAdmin, &manual, &acc.CreatedAt); err != nil {
			return nil, err
		}
		acc.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		acc.IsAdmin = isAdmin != 0
		acc.ManuallyApprovesFollowers = manual != 0
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// Usage statistics for NodeInfo.
func (db *DB) CountAccounts() (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountAccounts).Scan(&n)
	return n, err
}

func (db *DB) CountLocalNotes() (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountLocalNotes).Scan(&n)
	return n, err
}

func (db *DB) CountActiveAccountsSince(since time.Time) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountActiveAccountsSince, since).Scan(&n)
	return n, err
}

func (db *DB) scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var id string
	var isAdmin, manual int
	err := row.Scan(&id, &acc.Username, &acc.DisplayName, &acc.Summary,
		&acc.PublicKeyPem, &acc.PrivateKeyPem, &isAdmin, &manual, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	acc.IsAdmin = isAdmin != 0
	acc.ManuallyApprovesFollowers = manual != 0
	return &acc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
