package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertInteraction = `INSERT INTO remote_interactions(id, note_id, actor_uri, type, emoji, uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(note_id, actor_uri, type, emoji) DO NOTHING`

	sqlSelectInteraction      = `SELECT id, note_id, actor_uri, type, emoji, uri, created_at FROM remote_interactions`
	sqlSelectInteractionByURI = sqlSelectInteraction + ` WHERE uri = ?`
	sqlSelectInteractionByKey = sqlSelectInteraction + ` WHERE note_id = ? AND actor_uri = ? AND type = ? AND emoji = ?`

	sqlDeleteInteractionById = `DELETE FROM remote_interactions WHERE id = ?`
	sqlCountInteractions     = `SELECT COUNT(*) FROM remote_interactions WHERE note_id = ? AND type = ?`
)

// CreateRemoteInteraction records an interaction, ignoring duplicates.
// Returns true if a new row was inserted.
func (db *DB) CreateRemoteInteraction(ri *domain.RemoteInteraction) (bool, error) {
	if ri.Id == uuid.Nil {
		ri.Id = uuid.New()
	}
	if ri.CreatedAt.IsZero() {
		ri.CreatedAt = time.Now().UTC()
	}
	res, err := db.ex.Exec(sqlInsertInteraction,
		ri.Id, ri.NoteId.String(), ri.ActorURI, ri.Type, ri.Emoji, ri.URI, ri.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) ReadInteractionByURI(uri string) (*domain.RemoteInteraction, error) {
	return scanInteractionRow(db.ex.QueryRow(sqlSelectInteractionByURI, uri))
}

func (db *DB) ReadInteractionByKey(noteId uuid.UUID, actorURI, kind, emoji string) (*domain.RemoteInteraction, error) {
	return scanInteractionRow(db.ex.QueryRow(sqlSelectInteractionByKey, noteId.String(), actorURI, kind, emoji))
}

func (db *DB) DeleteInteractionById(id uuid.UUID) error {
	_, err := db.ex.Exec(sqlDeleteInteractionById, id.String())
	return err
}

func (db *DB) CountInteractions(noteId uuid.UUID, kind string) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountInteractions, noteId.String(), kind).Scan(&n)
	return n, err
}

func scanInteractionRow(row rowScanner) (*domain.RemoteInteraction, error) {
	var ri domain.RemoteInteraction
	var id, noteId string
	err := row.Scan(&id, &noteId, &ri.ActorURI, &ri.Type, &ri.Emoji, &ri.URI, &ri.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ri.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if ri.NoteId, err = uuid.Parse(noteId); err != nil {
		return nil, err
	}
	return &ri, nil
}
