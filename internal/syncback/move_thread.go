package syncback

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// moveThreadToFolder moves every message of a thread into the target
// folder. Messages are grouped by their current folder so each source
// box issues one MOVE; messages already in the target, or with no
// known server location, are skipped.
func (r *Runner) moveThreadToFolder(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	var props MoveThreadProps
	if err := decodeProps(req.Props, &props); err != nil {
		return Result{}, err
	}
	if props.ThreadID == "" || props.FolderID == "" {
		return Result{}, permanent(errors.New("threadId and folderId are required"))
	}

	target, err := r.store.GetCategoryByID(ctx, props.FolderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(fmt.Errorf("folder %s does not exist", props.FolderID))
		}
		return Result{}, err
	}

	messages, err := r.store.GetMessagesByThread(ctx, req.AccountID, props.ThreadID)
	if err != nil {
		return Result{}, err
	}

	// Group located messages by source folder.
	type source struct {
		name string
		uids []imap.UID
	}
	sources := make(map[string]*source)
	for _, m := range messages {
		if m.FolderID == nil || m.FolderImapUID == nil || *m.FolderID == target.ID {
			continue
		}
		src, ok := sources[*m.FolderID]
		if !ok {
			folder, err := r.store.GetCategoryByID(ctx, *m.FolderID)
			if err != nil {
				return Result{}, err
			}
			src = &source{name: folder.Name}
			sources[*m.FolderID] = src
		}
		src.uids = append(src.uids, imap.UID(*m.FolderImapUID))
	}

	for _, src := range sources {
		box, err := r.session.OpenBox(ctx, src.name, false)
		if err != nil {
			return Result{}, err
		}
		if err := box.MoveFromBox(ctx, imap.UIDSetNum(src.uids...), target.Name); err != nil {
			return Result{}, err
		}
	}

	// Pull the moved messages' new UIDs into the mirror.
	if err := r.session.FetchNew(ctx, target); err != nil {
		r.log.Warn().Err(err).Str("folder", target.Name).Msg("post-move fetch failed")
	}

	return Result{}, nil
}
