package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailmirror/mailmirror/internal/model"
)

// UpsertCategory inserts or updates a category row keyed on
// (account_id, name). The sync state of an existing row is preserved.
func (s *SQLiteStore) UpsertCategory(ctx context.Context, c model.Category) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, account_id, name, role, is_label, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			role = excluded.role,
			is_label = excluded.is_label,
			updated_at = excluded.updated_at`,
		c.ID, c.AccountID, c.Name, c.Role, boolToInt(c.IsLabel),
		mustMarshal(c.SyncState), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting category %s: %w", c.Name, err)
	}

	return nil
}

// GetCategories retrieves categories for an account with optional
// label/folder filtering and pagination.
func (s *SQLiteStore) GetCategories(
	ctx context.Context,
	accountID string,
	f CategoryFilter,
) ([]model.Category, error) {
	query := "SELECT * FROM categories WHERE account_id = ?"
	args := []interface{}{accountID}

	if f.IsLabel != nil {
		query += " AND is_label = ?"
		args = append(args, boolToInt(*f.IsLabel))
	}

	query += " ORDER BY name"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	var categories []model.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}

	return categories, rows.Err()
}

// GetCategoryByID retrieves a single category by its ID.
func (s *SQLiteStore) GetCategoryByID(ctx context.Context, id string) (*model.Category, error) {
	return s.getCategory(ctx, "SELECT * FROM categories WHERE id = ?", id)
}

// GetCategoryByRole retrieves the account's category carrying the
// given special-use role, e.g. "sent" or "trash".
func (s *SQLiteStore) GetCategoryByRole(ctx context.Context, accountID, role string) (*model.Category, error) {
	return s.getCategory(ctx,
		"SELECT * FROM categories WHERE account_id = ? AND role = ?", accountID, role)
}

// GetCategoryByName retrieves a category by its server-assigned name.
func (s *SQLiteStore) GetCategoryByName(ctx context.Context, accountID, name string) (*model.Category, error) {
	return s.getCategory(ctx,
		"SELECT * FROM categories WHERE account_id = ? AND name = ?", accountID, name)
}

func (s *SQLiteStore) getCategory(ctx context.Context, query string, args ...interface{}) (*model.Category, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying category: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	c, err := scanCategory(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCategory removes a category row. Messages referencing it fall
// back to folder_id NULL via the foreign key action.
func (s *SQLiteStore) DeleteCategory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting category %s: %w", id, err)
	}
	return nil
}

// DeleteCategoriesNotNamed removes every category of the account whose
// name is absent from the remote mailbox list.
func (s *SQLiteStore) DeleteCategoriesNotNamed(ctx context.Context, accountID string, names []string) error {
	if len(names) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, accountID)
	for _, n := range names {
		args = append(args, n)
	}

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM categories WHERE account_id = ? AND name NOT IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("pruning categories: %w", err)
	}
	return nil
}

// UpdateCategoryName renames a category row after a remote rename.
func (s *SQLiteStore) UpdateCategoryName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE categories SET name = ?, updated_at = ? WHERE id = ?",
		name, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("renaming category %s: %w", id, err)
	}
	return nil
}

// UpdateSyncState persists a folder's checkpoint record.
func (s *SQLiteStore) UpdateSyncState(ctx context.Context, categoryID string, st model.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE categories SET sync_state = ?, updated_at = ? WHERE id = ?",
		mustMarshal(st), time.Now().UTC(), categoryID,
	)
	if err != nil {
		return fmt.Errorf("updating sync state for %s: %w", categoryID, err)
	}
	return nil
}

// scanCategory scans a category row from a sqlx.Rows result set.
func scanCategory(rows *sqlx.Rows) (model.Category, error) {
	var (
		c         model.Category
		isLabel   int
		syncState string
		createdAt time.Time
		updatedAt time.Time
	)

	err := rows.Scan(
		&c.ID, &c.AccountID, &c.Name, &c.Role, &isLabel,
		&syncState, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Category{}, fmt.Errorf("scanning category row: %w", err)
	}

	c.IsLabel = isLabel != 0
	c.CreatedAt = createdAt
	c.UpdatedAt = updatedAt

	if syncState != "" {
		if err := json.Unmarshal([]byte(syncState), &c.SyncState); err != nil {
			return model.Category{}, fmt.Errorf("unmarshaling sync state: %w", err)
		}
	}

	return c, nil
}

// mustMarshal serializes a value that cannot fail to marshal.
func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
