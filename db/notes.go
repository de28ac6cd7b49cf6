package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

const (
	sqlInsertNote = `INSERT INTO notes(id, account_id, remote_actor_id, uri, content, name, content_warning, visibility, in_reply_to_uri, community_uri, sensitive, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`

	sqlSelectNote     = `SELECT id, account_id, remote_actor_id, uri, content, name, content_warning, visibility, in_reply_to_uri, community_uri, sensitive, deleted, edited_at, reply_count, like_count, dislike_count, boost_count, created_at FROM notes`
	sqlSelectNoteByURI = sqlSelectNote + ` WHERE uri = ?`
	sqlSelectNoteById  = sqlSelectNote + ` WHERE id = ?`

	sqlSelectPublicNotesByAccount = sqlSelectNote + ` WHERE account_id = ? AND visibility IN ('public', 'unlisted') AND deleted = 0
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountPublicNotesByAccount = `SELECT COUNT(*) FROM notes WHERE account_id = ? AND visibility IN ('public', 'unlisted') AND deleted = 0`

	sqlUpdateNoteContent = `UPDATE notes SET content = ?, name = ?, content_warning = ?, sensitive = ?, edited_at = ? WHERE uri = ?`
	sqlTombstoneNote     = `UPDATE notes SET deleted = 1, content = '', name = '', content_warning = '' WHERE uri = ?`
	sqlSetNoteURI        = `UPDATE notes SET uri = ? WHERE id = ?`

	sqlIncrementReplyCount = `UPDATE notes SET reply_count = reply_count + 1 WHERE uri = ?`
	sqlDecrementReplyCount = `UPDATE notes SET reply_count = MAX(reply_count - 1, 0) WHERE uri = ?`

	sqlInsertNoteAttachment = `INSERT INTO note_attachments(id, note_id, url, media_type, name, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectNoteAttachments = `SELECT id, note_id, url, media_type, name, created_at FROM note_attachments WHERE note_id = ? ORDER BY created_at ASC`

	sqlInsertNoteMention  = `INSERT INTO note_mentions(id, note_id, mentioned_actor_uri, mentioned_username, mentioned_domain, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectNoteMentions = `SELECT id, note_id, mentioned_actor_uri, mentioned_username, mentioned_domain, created_at FROM note_mentions WHERE note_id = ? ORDER BY created_at ASC`
)

func (db *DB) CreateNote(note *domain.Note) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	var accountId, remoteActorId any
	if note.AccountId != nil {
		accountId = note.AccountId.String()
	}
	if note.RemoteActorId != nil {
		remoteActorId = note.RemoteActorId.String()
	}
	_, err := db.ex.Exec(sqlInsertNote,
		note.Id, accountId, remoteActorId, note.URI,
		note.Content, note.Name, note.ContentWarning, note.Visibility,
		note.InReplyToURI, note.CommunityURI, boolToInt(note.Sensitive), note.CreatedAt)
	return err
}

func (db *DB) ReadNoteByURI(uri string) (*domain.Note, error) {
	return scanNoteRow(db.ex.QueryRow(sqlSelectNoteByURI, uri))
}

func (db *DB) ReadNoteById(id uuid.UUID) (*domain.Note, error) {
	return scanNoteRow(db.ex.QueryRow(sqlSelectNoteById, id.String()))
}

// ReadPublicNotesByAccount returns public and unlisted notes of a local
// account for the outbox collection, newest first.
func (db *DB) ReadPublicNotesByAccount(accountId uuid.UUID, limit, offset int) ([]domain.Note, error) {
	rows, err := db.ex.Query(sqlSelectPublicNotesByAccount, accountId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		n, err := scanNoteRow(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

func (db *DB) CountPublicNotesByAccount(accountId uuid.UUID) (int, error) {
	var n int
	err := db.ex.QueryRow(sqlCountPublicNotesByAccount, accountId.String()).Scan(&n)
	return n, err
}

func (db *DB) UpdateNoteContent(uri, content, name, contentWarning string, sensitive bool, editedAt time.Time) error {
	_, err := db.ex.Exec(sqlUpdateNoteContent, content, name, contentWarning, boolToInt(sensitive), editedAt, uri)
	return err
}

// TombstoneNoteByURI marks a note deleted but keeps the row so the URI stays
// claimed and reply counting remains consistent.
func (db *DB) TombstoneNoteByURI(uri string) error {
	_, err := db.ex.Exec(sqlTombstoneNote, uri)
	return err
}

// SetNoteURI assigns the ActivityPub object id of a local note on first
// federation.
func (db *DB) SetNoteURI(id uuid.UUID, uri string) error {
	_, err := db.ex.Exec(sqlSetNoteURI, uri, id.String())
	return err
}

func (db *DB) IncrementReplyCountByURI(parentURI string) error {
	_, err := db.ex.Exec(sqlIncrementReplyCount, parentURI)
	return err
}

func (db *DB) DecrementReplyCountByURI(parentURI string) error {
	_, err := db.ex.Exec(sqlDecrementReplyCount, parentURI)
	return err
}

// AdjustNoteCount changes one of the denormalized interaction counters.
// kind must be a domain.Interaction* constant.
func (db *DB) AdjustNoteCount(noteId uuid.UUID, kind string, delta int) error {
	var column string
	switch kind {
	case domain.InteractionLike:
		column = "like_count"
	case domain.InteractionDislike:
		column = "dislike_count"
	case domain.InteractionAnnounce:
		column = "boost_count"
	case domain.InteractionEmojiReact:
		// emoji reactions are counted per-row, not denormalized
		return nil
	default:
		return fmt.Errorf("unknown interaction kind %q", kind)
	}
	query := fmt.Sprintf(`UPDATE notes SET %s = MAX(%s + ?, 0) WHERE id = ?`, column, column)
	_, err := db.ex.Exec(query, delta, noteId.String())
	return err
}

func (db *DB) CreateNoteAttachment(att *domain.NoteAttachment) error {
	if att.Id == uuid.Nil {
		att.Id = uuid.New()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlInsertNoteAttachment,
		att.Id, att.NoteId.String(), att.URL, att.MediaType, att.Name, att.CreatedAt)
	return err
}

func (db *DB) ReadNoteAttachments(noteId uuid.UUID) ([]domain.NoteAttachment, error) {
	rows, err := db.ex.Query(sqlSelectNoteAttachments, noteId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []domain.NoteAttachment
	for rows.Next() {
		var att domain.NoteAttachment
		var id, nid string
		if err := rows.Scan(&id, &nid, &att.URL, &att.MediaType, &att.Name, &att.CreatedAt); err != nil {
			return nil, err
		}
		if att.Id, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if att.NoteId, err = uuid.Parse(nid); err != nil {
			return nil, err
		}
		attachments = append(attachments, att)
	}
	return attachments, rows.Err()
}

func (db *DB) CreateNoteMention(m *domain.NoteMention) error {
	if m.Id == uuid.Nil {
		m.Id = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.ex.Exec(sqlInsertNoteMention,
		m.Id, m.NoteId.String(), m.MentionedActorURI, m.MentionedUsername, m.MentionedDomain, m.CreatedAt)
	return err
}

func (db *DB) ReadNoteMentions(noteId uuid.UUID) ([]domain.NoteMention, error) {
	rows, err := db.ex.Query(sqlSelectNoteMentions, noteId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mentions []domain.NoteMention
	for rows.Next() {
		var m domain.NoteMention
		var id, nid string
		if err := rows.Scan(&id, &nid, &m.MentionedActorURI, &m.MentionedUsername, &m.MentionedDomain, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Id, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if m.NoteId, err = uuid.Parse(nid); err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func scanNoteRow(row rowScanner) (*domain.Note, error) {
	var n domain.Note
	var id string
	var accountId, remoteActorId sql.NullString
	var editedAt sql.NullTime
	var sensitive, deleted int
	err := row.Scan(&id, &accountId, &remoteActorId, &n.URI,
		&n.Content, &n.Name, &n.ContentWarning, &n.Visibility,
		&n.InReplyToURI, &n.CommunityURI, &sensitive, &deleted, &editedAt,
		&n.ReplyCount, &n.LikeCount, &n.DislikeCount, &n.BoostCount, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if accountId.Valid {
		parsed, err := uuid.Parse(accountId.String)
		if err == nil {
			n.AccountId = &parsed
		}
	}
	if remoteActorId.Valid {
		parsed, err := uuid.Parse(remoteActorId.String)
		if err == nil {
			n.RemoteActorId = &parsed
		}
	}
	n.Sensitive = sensitive != 0
	n.Deleted = deleted != 0
	if editedAt.Valid {
		t := editedAt.Time
		n.EditedAt = &t
	}
	return &n, nil
}
