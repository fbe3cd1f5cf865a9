package syncback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mailmirror/mailmirror/internal/model"
)

// Result is the outcome of one executed request. A nil ContinueWith
// means the work is done; otherwise a follow-up request of the same
// type is enqueued with these props.
type Result struct {
	ContinueWith json.RawMessage
}

// MoveThreadProps moves every message of a thread into one folder.
type MoveThreadProps struct {
	ThreadID string `json:"threadId"`
	FolderID string `json:"folderId"`
}

// EnsureSentProps makes sure one locally known message exists in the
// account's sent folder.
type EnsureSentProps struct {
	MessageID string `json:"messageId"`
}

// SyncUnknownUIDsProps fetches UIDs the server reported but the mirror
// has never seen.
type SyncUnknownUIDsProps struct {
	FolderID string   `json:"folderId"`
	UIDs     []uint32 `json:"uids"`
}

// CreateCategoryProps creates a new folder or label.
type CreateCategoryProps struct {
	Name    string `json:"name"`
	IsLabel bool   `json:"isLabel"`
}

// RenameCategoryProps renames a folder or label.
type RenameCategoryProps struct {
	CategoryID string `json:"categoryId"`
	NewName    string `json:"newName"`
}

// DeleteCategoryProps deletes a folder or label.
type DeleteCategoryProps struct {
	CategoryID string `json:"categoryId"`
}

// permanentError marks a failure that retrying cannot fix, such as a
// malformed request or a reference to a row that does not exist. The
// runner maps it straight to FAILED.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func decodeProps(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return permanent(fmt.Errorf("decoding request props: %w", err))
	}
	return nil
}

// execute dispatches one claimed request by type. The switch is
// exhaustive over RequestType; an unknown type is a permanent failure.
func (r *Runner) execute(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	switch req.Type {
	case model.RequestMoveThreadToFolder:
		return r.moveThreadToFolder(ctx, req)
	case model.RequestEnsureMessageInSentFolder:
		return r.ensureMessageInSentFolder(ctx, req)
	case model.RequestSyncUnknownUIDs:
		return r.syncUnknownUIDs(ctx, req)
	case model.RequestCreateCategory:
		return r.createCategory(ctx, req)
	case model.RequestRenameFolder, model.RequestRenameLabel:
		return r.renameCategory(ctx, req)
	case model.RequestDeleteFolder, model.RequestDeleteLabel:
		return r.deleteCategory(ctx, req)
	default:
		return Result{}, permanent(fmt.Errorf("unknown request type %q", req.Type))
	}
}

// planBatches splits uids into batches of batchSize, executing at most
// maxBatches of them now; any remainder is returned for a follow-up
// request.
func planBatches(uids []uint32, batchSize, maxBatches int) (batches [][]uint32, remainder []uint32) {
	if batchSize <= 0 || maxBatches <= 0 {
		return nil, uids
	}

	for len(uids) > 0 && len(batches) < maxBatches {
		n := batchSize
		if n > len(uids) {
			n = len(uids)
		}
		batches = append(batches, uids[:n])
		uids = uids[n:]
	}
	return batches, uids
}
