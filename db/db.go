package db

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by Read* methods when no row matches.
var ErrNotFound = errors.New("db: not found")

// executor is satisfied by both *sql.DB and *sql.Tx, so every query method
// works inside and outside a transaction.
type executor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DB is the database handle. A DB obtained from Open wraps the connection
// pool; a DB passed into a WithTransaction callback wraps the transaction.
type DB struct {
	conn *sql.DB // nil inside a transaction
	ex   executor
}

// Open opens (creating if necessary) the sqlite database at path and runs
// the schema setup and migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Connection pool sized for concurrent federation workload
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	// Try WAL2 first, fall back to WAL if the build doesn't support it
	var journalMode string
	err = conn.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		err = conn.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
		if err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		}
	}
	log.Printf("Database journal mode: %s", journalMode)

	conn.Exec("PRAGMA synchronous = NORMAL")
	conn.Exec("PRAGMA cache_size = -64000")
	conn.Exec("PRAGMA temp_store = MEMORY")
	conn.Exec("PRAGMA busy_timeout = 5000")
	conn.Exec("PRAGMA foreign_keys = ON")
	conn.Exec("PRAGMA auto_vacuum = INCREMENTAL")

	db := &DB{conn: conn, ex: conn}
	if err := db.CreateDB(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// WithTransaction runs f inside a single transaction. The DB passed to f
// routes all queries through that transaction. Calling WithTransaction on a
// transactional DB reuses the open transaction instead of nesting.
func (db *DB) WithTransaction(f func(tx *DB) error) error {
	if db.conn == nil {
		return f(db)
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return f(&DB{ex: tx})
	})
}

// wrapTransaction runs the given function within a transaction, retrying
// on SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}
