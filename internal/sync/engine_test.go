package sync

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
)

func TestRefreshTargetsOnlyTheNamedAccount(t *testing.T) {
	e := New(nil, model.SyncConfig{}, zerolog.Nop(), nil)
	e.RegisterAccount(model.Account{ID: "acct-a"})
	e.RegisterAccount(model.Account{ID: "acct-b"})

	e.Refresh("acct-a")
	e.Refresh("acct-a") // coalesces with the pending one

	if got := len(e.accounts[0].trigger); got != 1 {
		t.Errorf("acct-a has %d pending triggers, want 1", got)
	}
	if got := len(e.accounts[1].trigger); got != 0 {
		t.Errorf("acct-b has %d pending triggers, want 0", got)
	}

	// Unknown accounts are a no-op.
	e.Refresh("acct-z")
}

func TestEventsChanFollowsReconnect(t *testing.T) {
	e := New(nil, model.SyncConfig{}, zerolog.Nop(), nil)
	e.RegisterAccount(model.Account{ID: "acct-a"})
	entry := &e.accounts[0]

	if e.eventsChan(entry) != nil {
		t.Fatal("no connection yet, events channel must be nil")
	}

	entry.conn = imapx.NewConn(imapx.Settings{Host: "imap.example.com"}, 0, zerolog.Nop())
	if e.eventsChan(entry) == nil {
		t.Fatal("after a reconnect the loop must pick up the new event stream")
	}

	e.dropConn(entry)
	if e.eventsChan(entry) != nil {
		t.Fatal("after dropping the connection the events channel must be nil again")
	}
	if entry.conn != nil {
		t.Error("dropConn must clear the stored connection")
	}
}
