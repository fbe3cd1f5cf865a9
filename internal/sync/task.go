package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
)

// TaskKind enumerates the closed set of pull-side sync tasks.
type TaskKind int

const (
	TaskFetchFolderList TaskKind = iota
	TaskFetchMessagesInFolder
	TaskFetchNewMessagesInFolder
	TaskFetchSpecificMessagesInFolder
)

func (k TaskKind) String() string {
	switch k {
	case TaskFetchFolderList:
		return "FetchFolderList"
	case TaskFetchMessagesInFolder:
		return "FetchMessagesInFolder"
	case TaskFetchNewMessagesInFolder:
		return "FetchNewMessagesInFolder"
	case TaskFetchSpecificMessagesInFolder:
		return "FetchSpecificMessagesInFolder"
	default:
		return fmt.Sprintf("TaskKind(%d)", int(k))
	}
}

// Task is one pull-side work item with its per-kind payload.
type Task struct {
	Kind   TaskKind
	Folder *model.Category
	UIDs   []imap.UID
}

// RunTask dispatches a task by kind. The switch is exhaustive over
// TaskKind; there is no runtime registry to fall through.
func (e *Engine) RunTask(ctx context.Context, account model.Account, conn *imapx.Conn, t Task) error {
	switch t.Kind {
	case TaskFetchFolderList:
		return e.fetchFolderList(ctx, account, conn)
	case TaskFetchMessagesInFolder:
		return e.fetchMessagesInFolder(ctx, account, conn, t.Folder)
	case TaskFetchNewMessagesInFolder:
		return e.fetchNewMessagesInFolder(ctx, account, conn, t.Folder)
	case TaskFetchSpecificMessagesInFolder:
		return e.fetchSpecificMessagesInFolder(ctx, account, conn, t.Folder, t.UIDs)
	default:
		return fmt.Errorf("unknown sync task kind %d", int(t.Kind))
	}
}
