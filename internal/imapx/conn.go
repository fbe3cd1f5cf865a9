package imapx

import (
	"context"
	"fmt"
	"time"

	gosync "sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
)

// Event is a mailbox change notification pushed by the server.
type Event interface{ isEvent() }

// MailEvent signals new mail in the currently selected mailbox.
type MailEvent struct {
	Mailbox     string
	NumMessages uint32
}

// UpdateEvent signals a message attribute change or expunge in the
// currently selected mailbox.
type UpdateEvent struct {
	Mailbox string
	SeqNum  uint32
}

// UIDValidityEvent reports the uidvalidity observed when a mailbox
// was selected. A change relative to the stored value invalidates
// every UID association recorded for that mailbox.
type UIDValidityEvent struct {
	Mailbox     string
	UIDValidity uint32
}

func (MailEvent) isEvent()        {}
func (UpdateEvent) isEvent()      {}
func (UIDValidityEvent) isEvent() {}

// Settings holds everything needed to dial and authenticate one
// account's IMAP server. Exactly one of Password or OAuth2 is set.
type Settings struct {
	Host     string
	Port     int
	Username string
	Password string
	OAuth2   *OAuth2Settings
}

// Operation is a unit of work executed on the connection's command
// queue. Run is invoked with exclusive access to the connection.
type Operation interface {
	Name() string
	Run(ctx context.Context, c *Conn) error
}

type funcOp struct {
	name string
	fn   func(ctx context.Context, c *Conn) error
}

func (o funcOp) Name() string                           { return o.name }
func (o funcOp) Run(ctx context.Context, c *Conn) error { return o.fn(ctx, c) }

// OpFunc wraps a function as a named Operation.
func OpFunc(name string, fn func(ctx context.Context, c *Conn) error) Operation {
	return funcOp{name: name, fn: fn}
}

type queuedOp struct {
	op     Operation
	ctx    context.Context
	result chan error
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateReady
	stateFailed
	stateClosed
)

// Conn owns one physical IMAP socket. Every protocol command issued
// against the socket passes through a single-consumer FIFO queue, so
// the stateful IMAP session (one outstanding command, one selected
// mailbox) is never violated by concurrent callers.
type Conn struct {
	settings  Settings
	log       zerolog.Logger
	opTimeout time.Duration

	mu          gosync.Mutex
	state       connState
	connectErr  error
	connectDone chan struct{}
	client      *imapclient.Client
	generation  uint64
	currentBox  string
	lastMailGen uint64

	ops    chan *queuedOp
	done   chan struct{}
	events chan Event
}

// NewConn creates a connection for the given settings. No socket is
// opened until Connect.
func NewConn(settings Settings, opTimeout time.Duration, log zerolog.Logger) *Conn {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Minute
	}
	return &Conn{
		settings:  settings,
		log:       log.With().Str("component", "imap").Str("host", settings.Host).Logger(),
		opTimeout: opTimeout,
		ops:       make(chan *queuedOp, 64),
		done:      make(chan struct{}),
		events:    make(chan Event, 64),
	}
}

// Events returns the stream of server-pushed mailbox notifications.
func (c *Conn) Events() <-chan Event { return c.events }

// Connect resolves credentials, dials the server, and authenticates.
// It is idempotent: concurrent and repeated calls share one dial
// attempt and observe its outcome.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return nil
	case stateFailed:
		err := c.connectErr
		c.mu.Unlock()
		return err
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnecting:
		doneCh := c.connectDone
		c.mu.Unlock()
		select {
		case <-doneCh:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.state = stateConnecting
	doneCh := make(chan struct{})
	c.connectDone = doneCh
	c.mu.Unlock()

	client, err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = stateFailed
		c.connectErr = err
	} else {
		c.state = stateReady
		c.client = client
	}
	close(doneCh)
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Msg("imap connect failed")
		return err
	}

	c.log.Info().Str("user", c.settings.Username).Msg("imap connected")
	go c.processOperations()
	return nil
}

// dial opens the TLS socket and authenticates with either the stored
// password or a freshly refreshed OAuth2 access token.
func (c *Conn) dial(ctx context.Context) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.settings.Host, c.settings.Port)

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: c.onMailboxUpdate,
			Expunge: c.onExpunge,
		},
	}

	client, err := imapclient.DialTLS(addr, options)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if c.settings.OAuth2 != nil {
		saslClient, err := c.settings.OAuth2.saslClient(ctx, c.settings)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := client.Authenticate(saslClient); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("authentication failed for %s: %w", c.settings.Username, err)
		}
	} else {
		if err := client.Login(c.settings.Username, c.settings.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("authentication failed for %s: %w", c.settings.Username, err)
		}
	}

	return client, nil
}

// onMailboxUpdate handles unsolicited EXISTS/FLAGS pushes. The mail
// event is emitted only when the same box that was selected at the
// prior notification is still selected: some servers double-report
// new mail across a box switch, and the guard suppresses the replay.
func (c *Conn) onMailboxUpdate(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}

	c.mu.Lock()
	gen := c.generation
	box := c.currentBox
	emit := gen != 0 && gen == c.lastMailGen
	c.lastMailGen = gen
	c.mu.Unlock()

	if !emit {
		return
	}
	c.emit(MailEvent{Mailbox: box, NumMessages: *data.NumMessages})
}

// onExpunge handles unsolicited EXPUNGE pushes.
func (c *Conn) onExpunge(seqNum uint32) {
	c.mu.Lock()
	box := c.currentBox
	c.mu.Unlock()
	c.emit(UpdateEvent{Mailbox: box, SeqNum: seqNum})
}

// emit delivers an event without ever blocking the protocol reader.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Msg("dropping mailbox event, consumer is behind")
	}
}

// isReady reports whether the connection has completed Connect and
// has not been ended.
func (c *Conn) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// RunOperation enqueues an operation. Operations execute strictly one
// at a time in enqueue order; the returned error is the operation's
// own outcome. A failed operation does not abort its queued siblings.
func (c *Conn) RunOperation(ctx context.Context, op Operation) error {
	if op == nil {
		return fmt.Errorf("imap: nil operation")
	}
	if !c.isReady() {
		return &NotReadyError{Op: op.Name()}
	}

	q := &queuedOp{op: op, ctx: ctx, result: make(chan error, 1)}

	select {
	case c.ops <- q:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-q.result:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// processOperations is the single queue consumer. It re-enters only
// after the previous operation has fully settled.
func (c *Conn) processOperations() {
	for {
		select {
		case <-c.done:
			return
		case q := <-c.ops:
			q.result <- c.runOne(q)
		}
	}
}

func (c *Conn) runOne(q *queuedOp) error {
	if err := q.ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(q.ctx, c.opTimeout)
	defer cancel()

	start := time.Now()
	err := q.op.Run(ctx, c)
	if err != nil {
		c.log.Debug().
			Err(err).
			Str("op", q.op.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("imap operation failed")
	}
	return err
}

// Client returns the underlying protocol client. Only call from
// within a queued operation.
func (c *Conn) Client() *imapclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// currentGeneration returns the box-selection epoch counter.
func (c *Conn) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// SupportsCondStore reports whether the server advertises CONDSTORE.
func (c *Conn) SupportsCondStore() bool {
	client := c.Client()
	if client == nil {
		return false
	}
	return client.Caps().Has(imap.CapCondStore)
}

// OpenBox issues SELECT (or EXAMINE when readOnly) through the queue
// and returns a Box bound to the new selection generation. Any Box
// handle from an earlier generation becomes stale.
func (c *Conn) OpenBox(ctx context.Context, name string, readOnly bool) (*Box, error) {
	var box *Box
	err := c.RunOperation(ctx, OpFunc("open "+name, func(ctx context.Context, c *Conn) error {
		options := &imap.SelectOptions{
			ReadOnly:  readOnly,
			CondStore: c.Client().Caps().Has(imap.CapCondStore),
		}

		sel, err := c.Client().Select(name, options).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", name, err)
		}

		c.mu.Lock()
		c.generation++
		gen := c.generation
		c.currentBox = name
		c.mu.Unlock()

		box = &Box{
			conn:           c,
			name:           name,
			generation:     gen,
			UIDValidity:    sel.UIDValidity,
			UIDNext:        sel.UIDNext,
			HighestModSeq:  sel.HighestModSeq,
			NumMessages:    sel.NumMessages,
			PersistentUIDs: sel.UIDValidity != 0,
		}

		c.emit(UIDValidityEvent{Mailbox: name, UIDValidity: sel.UIDValidity})
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return box, nil
}

// GetBoxes lists the full remote mailbox tree.
func (c *Conn) GetBoxes(ctx context.Context) ([]*imap.ListData, error) {
	var boxes []*imap.ListData
	err := c.RunOperation(ctx, OpFunc("list", func(ctx context.Context, c *Conn) error {
		list, err := c.Client().List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("listing mailboxes: %w", err)
		}
		boxes = list
		return nil
	}))
	return boxes, err
}

// Append uploads a raw RFC822 message into the named mailbox. APPEND
// does not require the mailbox to be selected, so this lives on the
// connection rather than on Box.
func (c *Conn) Append(ctx context.Context, mailbox string, raw []byte, flags []imap.Flag, t time.Time) error {
	return c.RunOperation(ctx, OpFunc("append "+mailbox, func(ctx context.Context, c *Conn) error {
		options := &imap.AppendOptions{Flags: flags}
		if !t.IsZero() {
			options.Time = t
		}

		cmd := c.Client().Append(mailbox, int64(len(raw)), options)
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			return fmt.Errorf("writing append literal: %w", err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("closing append literal: %w", err)
		}
		if _, err := cmd.Wait(); err != nil {
			return fmt.Errorf("appending to %s: %w", mailbox, err)
		}
		return nil
	}))
}

// CreateBox creates a mailbox on the server.
func (c *Conn) CreateBox(ctx context.Context, name string) error {
	return c.RunOperation(ctx, OpFunc("create "+name, func(ctx context.Context, c *Conn) error {
		if err := c.Client().Create(name, nil).Wait(); err != nil {
			return fmt.Errorf("creating mailbox %s: %w", name, err)
		}
		return nil
	}))
}

// RenameBox renames a mailbox on the server.
func (c *Conn) RenameBox(ctx context.Context, oldName, newName string) error {
	return c.RunOperation(ctx, OpFunc("rename "+oldName, func(ctx context.Context, c *Conn) error {
		if err := c.Client().Rename(oldName, newName, nil).Wait(); err != nil {
			return fmt.Errorf("renaming mailbox %s: %w", oldName, err)
		}
		return nil
	}))
}

// DeleteBox deletes a mailbox on the server.
func (c *Conn) DeleteBox(ctx context.Context, name string) error {
	return c.RunOperation(ctx, OpFunc("delete "+name, func(ctx context.Context, c *Conn) error {
		if err := c.Client().Delete(name).Wait(); err != nil {
			return fmt.Errorf("deleting mailbox %s: %w", name, err)
		}
		return nil
	}))
}

// End drops the pending queue and closes the socket. No further
// operations may be queued.
func (c *Conn) End() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	client := c.client
	c.client = nil
	c.mu.Unlock()

	close(c.done)

	if client != nil {
		if err := client.Logout().Wait(); err != nil {
			_ = client.Close()
		}
	}
	c.log.Info().Msg("imap connection ended")
}
