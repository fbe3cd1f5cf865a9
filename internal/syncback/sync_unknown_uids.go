package syncback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// syncUnknownUIDs fetches server-reported UIDs the mirror has never
// seen, in fixed-size batches with a cap per invocation so one huge
// backlog cannot monopolize the connection. UIDs left over when the
// cap is hit come back as a continuation request, and a cancellation
// observed between batches stops cleanly with the work done so far.
func (r *Runner) syncUnknownUIDs(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	var props SyncUnknownUIDsProps
	if err := decodeProps(req.Props, &props); err != nil {
		return Result{}, err
	}
	if props.FolderID == "" {
		return Result{}, permanent(errors.New("folderId is required"))
	}
	if len(props.UIDs) == 0 {
		return Result{}, nil
	}

	folder, err := r.store.GetCategoryByID(ctx, props.FolderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(fmt.Errorf("folder %s does not exist", props.FolderID))
		}
		return Result{}, err
	}

	batches, remainder := planBatches(props.UIDs, r.cfg.UnknownUIDBatchSize, r.cfg.UnknownUIDMaxBatches)

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		uids := make([]imap.UID, 0, len(batch))
		for _, u := range batch {
			uids = append(uids, imap.UID(u))
		}
		if err := r.session.FetchSpecific(ctx, folder, uids); err != nil {
			return Result{}, err
		}
	}

	if len(remainder) == 0 {
		return Result{}, nil
	}

	cont, err := json.Marshal(SyncUnknownUIDsProps{
		FolderID: props.FolderID,
		UIDs:     remainder,
	})
	if err != nil {
		return Result{}, err
	}

	r.log.Info().
		Str("folder", folder.Name).
		Int("fetched", len(props.UIDs)-len(remainder)).
		Int("remaining", len(remainder)).
		Msg("unknown-uid backlog continues")

	return Result{ContinueWith: cont}, nil
}
