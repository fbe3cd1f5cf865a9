package imapx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// readyConn builds a connection whose queue consumer is running but
// whose socket was never dialed, for exercising queue semantics.
func readyConn(t *testing.T) *Conn {
	t.Helper()

	c := NewConn(Settings{Host: "test"}, time.Minute, zerolog.Nop())
	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()
	go c.processOperations()
	t.Cleanup(c.End)
	return c
}

func TestRunOperationFIFOOrder(t *testing.T) {
	c := readyConn(t)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	// Later operations finish faster. If anything ran concurrently or
	// out of queue order, the recorded order would invert.
	delays := []time.Duration{30 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}
	for i, d := range delays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.RunOperation(context.Background(), OpFunc("op", func(ctx context.Context, c *Conn) error {
				time.Sleep(d)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}))
			if err != nil {
				t.Errorf("op %d: %v", i, err)
			}
		}()
		// Give each goroutine time to enqueue before the next.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("operations ran out of order: %v", order)
		}
	}
	if len(order) != len(delays) {
		t.Fatalf("ran %d operations, want %d", len(order), len(delays))
	}
}

func TestRunOperationErrorDoesNotAbortQueue(t *testing.T) {
	c := readyConn(t)

	boom := errors.New("boom")
	err := c.RunOperation(context.Background(), OpFunc("failing", func(ctx context.Context, c *Conn) error {
		return boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	err = c.RunOperation(context.Background(), OpFunc("next", func(ctx context.Context, c *Conn) error {
		return nil
	}))
	if err != nil {
		t.Fatalf("queued sibling failed after earlier error: %v", err)
	}
}

func TestRunOperationNilOp(t *testing.T) {
	c := readyConn(t)
	if err := c.RunOperation(context.Background(), nil); err == nil {
		t.Fatal("nil operation must be rejected")
	}
}

func TestRunOperationNotReady(t *testing.T) {
	c := NewConn(Settings{Host: "test"}, time.Minute, zerolog.Nop())

	err := c.RunOperation(context.Background(), OpFunc("early", func(ctx context.Context, c *Conn) error {
		return nil
	}))
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("err = %v, want NotReadyError", err)
	}
	if notReady.Op != "early" {
		t.Errorf("op = %q, want early", notReady.Op)
	}
}

func TestBoxStaleAfterGenerationBump(t *testing.T) {
	c := readyConn(t)

	c.mu.Lock()
	c.generation = 1
	c.mu.Unlock()
	box := &Box{conn: c, name: "INBOX", generation: 1}

	if err := box.check("probe"); err != nil {
		t.Fatalf("fresh box reported stale: %v", err)
	}

	// Another mailbox gets selected on the same connection.
	c.mu.Lock()
	c.generation = 2
	c.currentBox = "Archive"
	c.mu.Unlock()

	err := box.check("probe")
	if !IsStaleBox(err) {
		t.Fatalf("err = %v, want StaleBoxError", err)
	}
	var stale *StaleBoxError
	errors.As(err, &stale)
	if stale.Mailbox != "INBOX" || stale.Generation != 1 || stale.Current != 2 {
		t.Errorf("stale = %+v", stale)
	}
}

func TestEventEmitNeverBlocks(t *testing.T) {
	c := NewConn(Settings{Host: "test"}, time.Minute, zerolog.Nop())

	// Overfill the buffered event channel; emit must drop, not hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(c.events)+10; i++ {
			c.emit(MailEvent{Mailbox: "INBOX", NumMessages: uint32(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full event channel")
	}
}
