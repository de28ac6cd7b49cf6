package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertNotification = `INSERT INTO notifications(id, account_id, notification_type, actor_uri, actor_username, actor_domain, note_id, note_uri, note_preview, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`

	sqlSelectNotifications = `SELECT id, account_id, notification_type, actor_uri, actor_username, actor_domain, note_id, note_uri, note_preview, read, created_at
		FROM notifications WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`

	sqlMarkNotificationsRead  = `UPDATE notifications SET read = 1 WHERE account_id = ?`
	sqlCountUnreadNotifications = `SELECT COUNT(*) FROM notifications WHERE account_id = ? AND read = 0`

	sqlInsertUserBlock      = `INSERT INTO user_blocks(id, actor_uri, account_id, uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, account_id) DO UPDATE SET uri = excluded.uri`
	sqlDeleteUserBlockByURI = `DELETE FROM user_blocks WHERE uri = ?`
	sqlDeleteUserBlockPair  = `DELETE FROM user_blocks WHERE actor_uri = ? AND account_id = ?`
	sqlUserBlockExists      = `SELECT EXISTS(SELECT 1 FROM user_blocks WHERE actor_uri = ? AND account_id = ?)`

	sqlInsertReport  = `INSERT INTO reports(id, reporter_uri, content, object_uris, account_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectReports = `SELECT id, reporter_uri, content, object_uris, account_ids, created_at FROM reports ORDER BY created_at DESC LIMIT ?`
)

func (db *DB) CreateNotification(n *domain.Notification) error {
	if n.Id == uuid.Nil {
		n.Id = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var noteId any
	if n.NoteId != nil {
		noteId = n.NoteId.String()
	}
	_, err := db.ex.Exec(sqlInsertNotification,
		n.Id, n.AccountId.String(), n.NotificationType,
		n.ActorURI, n.ActorUsername, n.ActorDomain,
		noteId, n.NoteURI, n.NotePreview, n.CreatedAt)
	return err
}

func (db *DB) ReadNotificationsByAccount(accountId uuid.UUID, limit int) ([]domain.Notification, error) {
	rows, err := db.ex.Query(sqlSelectNotifications, accountId.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var id, accId string
		var noteId sql.NullString
		var read int
		if err := rows.Scan(&id, &accId, &n.NotificationType,
			&n.ActorURI, &n.ActorUsername, &n.ActorDomain,
			&noteId, &n.NoteURI, &n.NotePreview, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if n.Id, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if n.AccountId, err = uuid.Parse(accId); err != nil {
			return nil, err
		}
		if noteId.Valid {
			parsed, err := uuid.Parse(noteId.String)
			if err == nil {
				n.NoteId = &parsed
			}
		}
		n.Read = read != 0
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (db *DB) MarkNotificationsRead(accountId uuid.UUID) error {
	_, err := db.ex.Exec(sqlMarkNotificationsRead, accountId.String())
	return err
}

func (db *DB) CountUnreadNotifications(accountId uuid.UUID) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountUnreadNotifications, accountId.String()).Scan(&n)
	return n, err
}

func (db *DB) CreateUserBlock(b *domain.UserBlock) error {
	if b.Id == uuid.Nil {
		b.Id = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlInsertUserBlock,
		b.Id, b.ActorURI, b.AccountId.String(), b.URI, b.CreatedAt)
	return err
}

func (db *DB) DeleteUserBlockByURI(uri string) error {
	_, err := db.ex.Exec(sqlDeleteUserBlockByURI, uri)
	return err
}

func (db *DB) DeleteUserBlock(actorURI string, accountId uuid.UUID) error {
	_, err := db.ex.Exec(sqlDeleteUserBlockPair, actorURI, accountId.String())
	return err
}

// IsUserBlocked reports whether a remote actor has blocked a local account.
func (db *DB) IsUserBlocked(actorURI string, accountId uuid.UUID) (bool, error) {
	var exists int
	err := db.ex.QueryRow(sqlUserBlockExists, actorURI, accountId.String()).Scan(&exists)
	return exists != 0, err
}

func (db *DB) CreateReport(r *domain.Report) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlInsertReport,
		r.Id, r.ReporterURI, r.Content, r.ObjectURIs, r.AccountIds, r.CreatedAt)
	return err
}

func (db *DB) ReadReports(limit int) ([]domain.Report, error) {
	rows, err := db.ex.Query(sqlSelectReports, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.Report
	for rows.Next() {
		var r domain.Report
		var id string
		if err := rows.Scan(&id, &r.ReporterURI, &r.Content, &r.ObjectURIs, &r.AccountIds, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Id, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
