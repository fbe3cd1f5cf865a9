package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mailmirror/mailmirror/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or replaces an account row.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, a model.Account) error {
	if a.ID == "" {
		return fmt.Errorf("upserting account: missing id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, provider, imap_host, imap_port,
			username, auth_method, sent_per_recipient, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			username = excluded.username,
			auth_method = excluded.auth_method,
			sent_per_recipient = excluded.sent_per_recipient,
			updated_at = excluded.updated_at`,
		a.ID, a.Email, string(a.Provider), a.IMAPHost, a.IMAPPort,
		a.Username, string(a.AuthMethod), boolToInt(a.SentPerRecipient),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}

	return nil
}

// GetAccounts retrieves all account rows.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM accounts ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// GetAccountByID retrieves a single account by its ID.
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying account %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	a, err := scanAccount(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// scanAccount scans an account row from a sqlx.Rows result set.
func scanAccount(rows *sqlx.Rows) (model.Account, error) {
	var (
		a                model.Account
		provider         string
		authMethod       string
		sentPerRecipient int
		createdAt        time.Time
		updatedAt        time.Time
	)

	err := rows.Scan(
		&a.ID, &a.Email, &provider, &a.IMAPHost, &a.IMAPPort,
		&a.Username, &authMethod, &sentPerRecipient,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("scanning account row: %w", err)
	}

	a.Provider = model.Provider(provider)
	a.AuthMethod = model.AuthMethod(authMethod)
	a.SentPerRecipient = sentPerRecipient != 0
	a.CreatedAt = createdAt
	a.UpdatedAt = updatedAt

	return a, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
