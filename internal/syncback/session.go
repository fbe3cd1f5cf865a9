package syncback

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/model"
	syncpkg "github.com/mailmirror/mailmirror/internal/sync"
)

// mailbox is the slice of an open IMAP box the push tasks use.
type mailbox interface {
	SearchHeader(ctx context.Context, key, value string) ([]imap.UID, error)
	MoveFromBox(ctx context.Context, uids imap.UIDSet, dest string) error
	AddFlags(ctx context.Context, uids imap.UIDSet, flags []imap.Flag) error
	Expunge(ctx context.Context) error
}

// session is the IMAP surface one account's push tasks run against:
// box access on the account's live connection plus the pull-side
// re-fetch hooks that converge the mirror after a mutation.
type session interface {
	OpenBox(ctx context.Context, name string, readOnly bool) (mailbox, error)
	Append(ctx context.Context, mailboxName string, raw []byte, flags []imap.Flag, date time.Time) error
	CreateBox(ctx context.Context, name string) error
	RenameBox(ctx context.Context, oldName, newName string) error
	DeleteBox(ctx context.Context, name string) error
	FetchNew(ctx context.Context, folder *model.Category) error
	FetchSpecific(ctx context.Context, folder *model.Category, uids []imap.UID) error
}

// engineSession adapts the sync engine's per-account connection to
// the session interface.
type engineSession struct {
	engine  *syncpkg.Engine
	account model.Account
}

func (s *engineSession) OpenBox(ctx context.Context, name string, readOnly bool) (mailbox, error) {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return nil, err
	}
	return conn.OpenBox(ctx, name, readOnly)
}

func (s *engineSession) Append(ctx context.Context, mailboxName string, raw []byte, flags []imap.Flag, date time.Time) error {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return err
	}
	return conn.Append(ctx, mailboxName, raw, flags, date)
}

func (s *engineSession) CreateBox(ctx context.Context, name string) error {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return err
	}
	return conn.CreateBox(ctx, name)
}

func (s *engineSession) RenameBox(ctx context.Context, oldName, newName string) error {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return err
	}
	return conn.RenameBox(ctx, oldName, newName)
}

func (s *engineSession) DeleteBox(ctx context.Context, name string) error {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return err
	}
	return conn.DeleteBox(ctx, name)
}

func (s *engineSession) FetchNew(ctx context.Context, folder *model.Category) error {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return err
	}
	return s.engine.FetchNew(ctx, s.account, conn, folder)
}

func (s *engineSession) FetchSpecific(ctx context.Context, folder *model.Category, uids []imap.UID) error {
	conn, err := s.engine.Conn(s.account.ID)
	if err != nil {
		return err
	}
	return s.engine.FetchSpecific(ctx, s.account, conn, folder, uids)
}
