package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/model"
)

// UpsertContact inserts a contact keyed on (account_id, email) or
// refreshes its display name.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c model.Contact) error {
	if c.Email == "" {
		return nil
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, account_id, name, email, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		c.ID, c.AccountID, c.Name, c.Email, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting contact %s: %w", c.Email, err)
	}

	return nil
}

// GetContacts retrieves a page of contacts for an account.
func (s *SQLiteStore) GetContacts(ctx context.Context, accountID string, p Page) ([]model.Contact, error) {
	query := "SELECT * FROM contacts WHERE account_id = ? ORDER BY email"
	if p.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", p.Limit)
	}
	if p.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", p.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// GetContactByID retrieves a single contact by its ID.
func (s *SQLiteStore) GetContactByID(ctx context.Context, id string) (*model.Contact, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM contacts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying contact %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	var c model.Contact
	if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning contact row: %w", err)
	}
	return &c, nil
}

// SentMessagesPage returns up to limit sent-folder messages whose
// rowid exceeds afterRow, ordered by rowid. The ranking handler pages
// through the message table with this to bound memory.
func (s *SQLiteStore) SentMessagesPage(
	ctx context.Context,
	sentFolderID string,
	afterRow int64,
	limit int,
) ([]SentMessage, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT rowid, date, to_addrs
		FROM messages
		WHERE folder_id = ? AND rowid > ?
		ORDER BY rowid
		LIMIT ?`,
		sentFolderID, afterRow, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sent messages: %w", err)
	}
	defer rows.Close()

	var page []SentMessage
	for rows.Next() {
		var (
			m      SentMessage
			toJSON string
		)
		if err := rows.Scan(&m.RowID, &m.Date, &toJSON); err != nil {
			return nil, fmt.Errorf("scanning sent message row: %w", err)
		}
		if toJSON != "" {
			if err := json.Unmarshal([]byte(toJSON), &m.To); err != nil {
				return nil, fmt.Errorf("unmarshaling recipients: %w", err)
			}
		}
		page = append(page, m)
	}

	return page, rows.Err()
}
