package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// State represents the current state of an account's sync loop.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

// Status holds the sync state for a single account.
type Status struct {
	AccountID string
	State     State
	LastSync  time.Time
	Error     error
}

// ConnFactory builds an IMAP connection for an account. The engine
// owns the returned connection and ends it on Stop.
type ConnFactory func(account model.Account) (*imapx.Conn, error)

// accountEntry is one registered account with its live connection and
// its own refresh trigger, so a Refresh for one account can never be
// consumed by another account's loop.
type accountEntry struct {
	account model.Account
	conn    *imapx.Conn
	trigger chan struct{}
}

// Engine orchestrates background synchronization of registered
// accounts: the folder list first, then a full message fetch per
// folder, repeated on a poll interval and on server-pushed new-mail
// events.
type Engine struct {
	store       store.Store
	cfg         model.SyncConfig
	log         zerolog.Logger
	connFactory ConnFactory

	mu       gosync.Mutex
	accounts []accountEntry
	statuses map[string]*Status
	running  bool

	stopCh chan struct{}
	wg     gosync.WaitGroup
}

// New creates an Engine backed by the given store.
func New(s store.Store, cfg model.SyncConfig, log zerolog.Logger, factory ConnFactory) *Engine {
	return &Engine{
		store:       s,
		cfg:         cfg,
		log:         log.With().Str("component", "sync").Logger(),
		connFactory: factory,
		statuses:    make(map[string]*Status),
		stopCh:      make(chan struct{}),
	}
}

// RegisterAccount adds an account to the engine. Must be called before
// Start.
func (e *Engine) RegisterAccount(account model.Account) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accounts = append(e.accounts, accountEntry{
		account: account,
		trigger: make(chan struct{}, 1),
	})
	e.statuses[account.ID] = &Status{
		AccountID: account.ID,
		State:     StateIdle,
	}
}

// Start launches one sync goroutine per registered account.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	for i := range e.accounts {
		e.wg.Add(1)
		go e.syncAccount(&e.accounts[i])
	}
}

// Stop halts all sync goroutines and ends their connections.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.accounts {
		if c := e.accounts[i].conn; c != nil {
			c.End()
			e.accounts[i].conn = nil
		}
	}
}

// Refresh triggers an immediate full sync of one account. A refresh
// already pending for the account coalesces with this one.
func (e *Engine) Refresh(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.accounts {
		if e.accounts[i].account.ID == accountID {
			select {
			case e.accounts[i].trigger <- struct{}{}:
			default:
			}
			return
		}
	}
}

// Statuses returns the current sync status of all registered accounts.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Status, 0, len(e.statuses))
	for _, s := range e.statuses {
		out = append(out, *s)
	}
	return out
}

// Conn returns the live connection for an account so push-side tasks
// can reuse the same socket and its operation queue.
func (e *Engine) Conn(accountID string) (*imapx.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.accounts {
		if e.accounts[i].account.ID == accountID {
			if e.accounts[i].conn == nil {
				return nil, fmt.Errorf("account %s has no connection yet", accountID)
			}
			return e.accounts[i].conn, nil
		}
	}
	return nil, fmt.Errorf("account %s is not registered", accountID)
}

// FetchNew pulls only new mail for one folder. Used by push-side tasks
// to converge the mirror right after a mutation.
func (e *Engine) FetchNew(ctx context.Context, account model.Account, conn *imapx.Conn, folder *model.Category) error {
	return e.RunTask(ctx, account, conn, Task{
		Kind:   TaskFetchNewMessagesInFolder,
		Folder: folder,
	})
}

// FetchSpecific pulls an explicit UID list from one folder.
func (e *Engine) FetchSpecific(ctx context.Context, account model.Account, conn *imapx.Conn, folder *model.Category, uids []imap.UID) error {
	return e.RunTask(ctx, account, conn, Task{
		Kind:   TaskFetchSpecificMessagesInFolder,
		Folder: folder,
		UIDs:   uids,
	})
}

// syncAccount runs the sync loop for a single account: connect, then
// alternate between full passes (on the poll interval and on explicit
// triggers) and quick new-mail passes when the server reports mail.
func (e *Engine) syncAccount(entry *accountEntry) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 120 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := e.log.With().Str("account", entry.account.ID).Logger()

	if _, err := e.connect(entry); err != nil {
		log.Error().Err(err).Msg("initial connect failed")
		e.setStatus(entry.account.ID, StateError, err)
	}

	// Initial full pass immediately.
	e.fullPass(entry, log)

	for {
		// Re-read the connection every iteration: a full pass may
		// have reconnected, and the new event stream must be
		// subscribed or server-pushed mail goes unnoticed.
		events := e.eventsChan(entry)

		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.fullPass(entry, log)
		case <-entry.trigger:
			e.fullPass(entry, log)
		case ev, ok := <-events:
			if !ok {
				e.dropConn(entry)
				continue
			}
			e.handleEvent(entry, log, ev)
		}
	}
}

// eventsChan returns the current connection's event stream, or nil
// when the account has no live connection.
func (e *Engine) eventsChan(entry *accountEntry) <-chan imapx.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.conn == nil {
		return nil
	}
	return entry.conn.Events()
}

// dropConn forgets a dead connection so the next full pass redials.
func (e *Engine) dropConn(entry *accountEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.conn != nil {
		entry.conn.End()
		entry.conn = nil
	}
}

// connect builds and connects the account's IMAP connection, storing
// it on the entry so Conn can hand it to push-side tasks.
func (e *Engine) connect(entry *accountEntry) (*imapx.Conn, error) {
	e.mu.Lock()
	if entry.conn != nil {
		conn := entry.conn
		e.mu.Unlock()
		return conn, nil
	}
	e.mu.Unlock()

	conn, err := e.connFactory(entry.account)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout())
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		conn.End()
		return nil, err
	}

	e.mu.Lock()
	entry.conn = conn
	e.mu.Unlock()
	return conn, nil
}

// fullPass refreshes the folder list and then fetches every selectable
// folder. A transient error on one folder does not abort the rest.
func (e *Engine) fullPass(entry *accountEntry, log zerolog.Logger) {
	e.setStatus(entry.account.ID, StateRunning, nil)

	conn, err := e.connect(entry)
	if err != nil {
		log.Error().Err(err).Msg("connect failed")
		e.setStatus(entry.account.ID, StateError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout())
	err = e.RunTask(ctx, entry.account, conn, Task{Kind: TaskFetchFolderList})
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("folder list fetch failed")
		e.setStatus(entry.account.ID, StateError, err)
		return
	}

	folders, err := e.store.GetCategories(context.Background(), entry.account.ID, store.CategoryFilter{})
	if err != nil {
		e.setStatus(entry.account.ID, StateError, err)
		return
	}

	var lastErr error
	// No deadline here: a large folder may need many ranges, and each
	// queued IMAP operation is already individually bounded.
	for i := range folders {
		folder := &folders[i]

		err := e.RunTask(context.Background(), entry.account, conn, Task{
			Kind:   TaskFetchMessagesInFolder,
			Folder: folder,
		})
		if err != nil {
			log.Warn().Err(err).Str("folder", folder.Name).Msg("folder sync failed")
			lastErr = err
			if !imapx.IsRetryable(err) && !imapx.IsStaleBox(err) {
				break
			}
		}
	}

	if lastErr != nil {
		e.setStatus(entry.account.ID, StateError, lastErr)
		return
	}
	e.setStatus(entry.account.ID, StateIdle, nil)
}

// handleEvent reacts to unsolicited server data: new mail in the open
// box triggers a quick forward fetch of that box's folder, a
// uidvalidity change or expunge schedules a full pass.
func (e *Engine) handleEvent(entry *accountEntry, log zerolog.Logger, ev imapx.Event) {
	switch ev := ev.(type) {
	case imapx.MailEvent:
		folder, err := e.store.GetCategoryByName(context.Background(), entry.account.ID, ev.Mailbox)
		if err != nil {
			log.Warn().Err(err).Str("mailbox", ev.Mailbox).Msg("mail event for unknown folder")
			return
		}

		conn, err := e.connect(entry)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout())
		defer cancel()
		if err := e.FetchNew(ctx, entry.account, conn, folder); err != nil {
			log.Warn().Err(err).Str("folder", folder.Name).Msg("new-mail fetch failed")
		}

	case imapx.UIDValidityEvent, imapx.UpdateEvent:
		e.Refresh(entry.account.ID)
	}
}

func (e *Engine) opTimeout() time.Duration {
	t := time.Duration(e.cfg.OperationTimeoutSec) * time.Second
	if t <= 0 {
		t = 2 * time.Minute
	}
	return t
}

func (e *Engine) setStatus(accountID string, st State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.statuses[accountID]
	if !ok {
		return
	}
	status.State = st
	status.Error = err
	if st == StateIdle && err == nil {
		status.LastSync = time.Now().UTC()
	}
}
