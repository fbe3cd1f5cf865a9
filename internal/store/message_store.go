package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailmirror/mailmirror/internal/model"
)

// UpsertMessage inserts a message row keyed on (account_id, hash) or,
// if the hash is already known, updates its location, flags, and
// keyword set. Content fields are only written on insert: the hash is
// a content hash, so content cannot have changed.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, m model.Message) error {
	if m.ID == "" {
		m.ID = m.Hash
	}

	var uid sql.NullInt64
	if m.FolderImapUID != nil {
		uid = sql.NullInt64{Int64: int64(*m.FolderImapUID), Valid: true}
	}
	var folderID sql.NullString
	if m.FolderID != nil {
		folderID = sql.NullString{String: *m.FolderID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, hash, thread_id, folder_id, folder_imap_uid,
			unread, starred, label_keywords, date, header_message_id,
			subject, from_addrs, to_addrs, cc_addrs,
			body_text, body_html, raw_header, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, hash) DO UPDATE SET
			folder_id = excluded.folder_id,
			folder_imap_uid = excluded.folder_imap_uid,
			unread = excluded.unread,
			starred = excluded.starred,
			label_keywords = excluded.label_keywords,
			updated_at = excluded.updated_at`,
		m.ID, m.AccountID, m.Hash, m.ThreadID, folderID, uid,
		boolToInt(m.Unread), boolToInt(m.Starred), mustMarshal(m.LabelKeywords),
		m.Date.UTC(), m.HeaderMessageID, m.Subject,
		mustMarshal(m.From), mustMarshal(m.To), mustMarshal(m.Cc),
		m.BodyText, m.BodyHTML, m.RawHeader, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", m.Hash, err)
	}

	return nil
}

// GetMessageByID retrieves a single message by its ID.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying message %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessagesByThread retrieves every message in a thread.
func (s *SQLiteStore) GetMessagesByThread(ctx context.Context, accountID, threadID string) ([]model.Message, error) {
	return s.queryMessages(ctx,
		"SELECT * FROM messages WHERE account_id = ? AND thread_id = ? ORDER BY date",
		accountID, threadID,
	)
}

// GetMessagesByHeaderMessageID retrieves all local copies sharing one
// Message-ID header. Gmail's per-recipient sending path creates
// several such copies for a single logical message.
func (s *SQLiteStore) GetMessagesByHeaderMessageID(ctx context.Context, accountID, headerMessageID string) ([]model.Message, error) {
	return s.queryMessages(ctx,
		"SELECT * FROM messages WHERE account_id = ? AND header_message_id = ? ORDER BY date",
		accountID, headerMessageID,
	)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// GetFolderMessageAttrs returns the flag attributes of every message
// currently located in the folder.
func (s *SQLiteStore) GetFolderMessageAttrs(ctx context.Context, folderID string) ([]MessageAttrs, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, folder_imap_uid, unread, starred, label_keywords
		FROM messages
		WHERE folder_id = ? AND folder_imap_uid IS NOT NULL`,
		folderID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folder attrs: %w", err)
	}
	defer rows.Close()

	var attrs []MessageAttrs
	for rows.Next() {
		var (
			a        MessageAttrs
			uid      int64
			unread   int
			starred  int
			keywords string
		)
		if err := rows.Scan(&a.MessageID, &uid, &unread, &starred, &keywords); err != nil {
			return nil, fmt.Errorf("scanning attr row: %w", err)
		}
		a.UID = uint32(uid)
		a.Unread = unread != 0
		a.Starred = starred != 0
		if keywords != "" {
			if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
				return nil, fmt.Errorf("unmarshaling keywords: %w", err)
			}
		}
		attrs = append(attrs, a)
	}

	return attrs, rows.Err()
}

// ApplyAttrChanges commits a batch of flag updates in one transaction.
func (s *SQLiteStore) ApplyAttrChanges(ctx context.Context, changes []AttrChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE messages
		SET unread = ?, starred = ?, label_keywords = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing attr update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range changes {
		_, err := stmt.ExecContext(ctx,
			boolToInt(c.Unread), boolToInt(c.Starred),
			mustMarshal(c.Keywords), now, c.MessageID,
		)
		if err != nil {
			return fmt.Errorf("updating attrs for %s: %w", c.MessageID, err)
		}
	}

	return tx.Commit()
}

// ClearFolderAssociations detaches every message currently located in
// the folder. Rows are kept: messages stay addressable by hash.
func (s *SQLiteStore) ClearFolderAssociations(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET folder_id = NULL, folder_imap_uid = NULL, updated_at = ?
		WHERE folder_id = ?`,
		time.Now().UTC(), folderID,
	)
	if err != nil {
		return fmt.Errorf("clearing folder associations for %s: %w", folderID, err)
	}
	return nil
}

// DetachMessages clears the folder/UID location of the given messages.
func (s *SQLiteStore) DetachMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]interface{}, 0, len(messageIDs)+1)
	args = append(args, time.Now().UTC())
	for _, id := range messageIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET folder_id = NULL, folder_imap_uid = NULL, updated_at = ?
		WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("detaching messages: %w", err)
	}
	return nil
}

// UpsertFiles inserts attachment rows, ignoring parts already recorded.
func (s *SQLiteStore) UpsertFiles(ctx context.Context, files []model.File) error {
	if len(files) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR IGNORE INTO files (
			id, account_id, message_id, filename, content_type, size, part_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		_, err := stmt.ExecContext(ctx,
			f.ID, f.AccountID, f.MessageID, f.Filename,
			f.ContentType, f.Size, f.PartID,
		)
		if err != nil {
			return fmt.Errorf("inserting file %s: %w", f.ID, err)
		}
	}

	return tx.Commit()
}

// GetFilesForMessage retrieves the attachments of one message.
func (s *SQLiteStore) GetFilesForMessage(ctx context.Context, messageID string) ([]model.File, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM files WHERE message_id = ? ORDER BY part_id", messageID)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer rows.Close()

	var files []model.File
	for rows.Next() {
		var f model.File
		var createdAt time.Time
		if err := rows.Scan(
			&f.ID, &f.AccountID, &f.MessageID, &f.Filename,
			&f.ContentType, &f.Size, &f.PartID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		f.CreatedAt = createdAt
		files = append(files, f)
	}

	return files, rows.Err()
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m         model.Message
		folderID  sql.NullString
		uid       sql.NullInt64
		unread    int
		starred   int
		keywords  string
		date      time.Time
		fromJSON  string
		toJSON    string
		ccJSON    string
		createdAt time.Time
		updatedAt time.Time
	)

	err := rows.Scan(
		&m.ID, &m.AccountID, &m.Hash, &m.ThreadID, &folderID, &uid,
		&unread, &starred, &keywords, &date, &m.HeaderMessageID,
		&m.Subject, &fromJSON, &toJSON, &ccJSON,
		&m.BodyText, &m.BodyHTML, &m.RawHeader, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	if folderID.Valid {
		m.FolderID = &folderID.String
	}
	if uid.Valid {
		u := uint32(uid.Int64)
		m.FolderImapUID = &u
	}
	m.Unread = unread != 0
	m.Starred = starred != 0
	m.Date = date
	m.CreatedAt = createdAt
	m.UpdatedAt = updatedAt

	for _, pair := range []struct {
		raw string
		dst interface{}
	}{
		{keywords, &m.LabelKeywords},
		{fromJSON, &m.From},
		{toJSON, &m.To},
		{ccJSON, &m.Cc},
	} {
		if pair.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling message field: %w", err)
		}
	}

	return m, nil
}
