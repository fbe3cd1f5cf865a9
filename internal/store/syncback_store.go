package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailmirror/mailmirror/internal/model"
)

// CreateSyncbackRequest persists a new push-direction command in
// PENDING state and returns the stored row.
func (s *SQLiteStore) CreateSyncbackRequest(ctx context.Context, r model.SyncbackRequest) (*model.SyncbackRequest, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = model.StatusPending
	}
	if len(r.Props) == 0 {
		r.Props = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO syncback_requests (id, account_id, type, props, status, error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, string(r.Type), string(r.Props),
		string(r.Status), r.Error, r.Attempts, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating syncback request: %w", err)
	}

	return &r, nil
}

// GetSyncbackRequest retrieves a request by its ID.
func (s *SQLiteStore) GetSyncbackRequest(ctx context.Context, id string) (*model.SyncbackRequest, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM syncback_requests WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying syncback request %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	r, err := scanSyncbackRequest(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ClaimNextPendingRequest atomically picks the oldest PENDING request
// for the account and moves it to the given in-progress status. The
// claim is a guarded UPDATE so two runners can never take the same row.
func (s *SQLiteStore) ClaimNextPendingRequest(
	ctx context.Context,
	accountID string,
	status model.RequestStatus,
) (*model.SyncbackRequest, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `
		SELECT * FROM syncback_requests
		WHERE account_id = ? AND status = ?
		ORDER BY created_at, id
		LIMIT 1`,
		accountID, string(model.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}

	if !rows.Next() {
		errRows := rows.Err()
		rows.Close()
		if errRows != nil {
			return nil, errRows
		}
		return nil, ErrNotFound
	}

	r, err := scanSyncbackRequest(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE syncback_requests
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), r.ID, string(model.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming request %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	r.Status = status
	return &r, nil
}

// UpdateSyncbackStatus persists the lifecycle status of a request. A
// request already in a terminal state is left untouched, so a
// cancellation observed mid-run is never overwritten by SUCCEEDED.
func (s *SQLiteStore) UpdateSyncbackStatus(
	ctx context.Context,
	id string,
	status model.RequestStatus,
	errMsg string,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE syncback_requests
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), errMsg, time.Now().UTC(), id,
		string(model.StatusSucceeded), string(model.StatusFailed), string(model.StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("updating syncback status for %s: %w", id, err)
	}
	return nil
}

// IncrementSyncbackAttempts bumps the retry counter of a request.
func (s *SQLiteStore) IncrementSyncbackAttempts(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE syncback_requests SET attempts = attempts + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("incrementing attempts for %s: %w", id, err)
	}
	return nil
}

// scanSyncbackRequest scans a request row from a sqlx.Rows result set.
func scanSyncbackRequest(rows *sqlx.Rows) (model.SyncbackRequest, error) {
	var (
		r         model.SyncbackRequest
		reqType   string
		props     string
		status    string
		createdAt time.Time
		updatedAt time.Time
	)

	err := rows.Scan(
		&r.ID, &r.AccountID, &reqType, &props, &status,
		&r.Error, &r.Attempts, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.SyncbackRequest{}, fmt.Errorf("scanning syncback row: %w", err)
	}

	r.Type = model.RequestType(reqType)
	r.Props = json.RawMessage(props)
	r.Status = model.RequestStatus(status)
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt

	return r, nil
}
