package imapx

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// MessageAttrs is the lightweight attribute view returned by
// FetchUIDAttributes, used by the reconciliation scans.
type MessageAttrs struct {
	UID    imap.UID
	Flags  []imap.Flag
	ModSeq uint64
}

// Box scopes mailbox operations to the selection generation that was
// current when the box was opened. Every capability is checked against
// "is this box still the one selected on the connection"; a call made
// after another mailbox was opened rejects with StaleBoxError instead
// of executing against the wrong mailbox.
type Box struct {
	conn       *Conn
	name       string
	generation uint64

	UIDValidity    uint32
	UIDNext        imap.UID
	HighestModSeq  uint64
	NumMessages    uint32
	PersistentUIDs bool
}

// Name returns the mailbox name the box was opened on.
func (b *Box) Name() string { return b.name }

// check verifies the connection is ready and the box is still the
// selected one. Staleness is a plain generation comparison.
func (b *Box) check(op string) error {
	if !b.conn.isReady() {
		return &NotReadyError{Op: op}
	}
	if cur := b.conn.currentGeneration(); cur != b.generation {
		return &StaleBoxError{Mailbox: b.name, Generation: b.generation, Current: cur}
	}
	return nil
}

// run enqueues a box-scoped operation, re-checking the generation
// inside the queue: an OpenBox queued ahead of this operation would
// otherwise invalidate the box between the call-site check and
// execution.
func (b *Box) run(ctx context.Context, name string, fn func(ctx context.Context, client *imapclient.Client) error) error {
	if err := b.check(name); err != nil {
		return err
	}
	return b.conn.RunOperation(ctx, OpFunc(name, func(ctx context.Context, c *Conn) error {
		if err := b.check(name); err != nil {
			return err
		}
		return fn(ctx, c.Client())
	}))
}

// FetchEach fetches the given UID set and invokes fn once per message
// after all streamed parts for that message have been assembled. An
// empty set resolves immediately without a network round trip.
func (b *Box) FetchEach(
	ctx context.Context,
	uids imap.UIDSet,
	options *imap.FetchOptions,
	fn func(*imapclient.FetchMessageBuffer) error,
) error {
	if len(uids) == 0 {
		return nil
	}

	return b.run(ctx, "fetch "+b.name, func(ctx context.Context, client *imapclient.Client) error {
		cmd := client.Fetch(uids, options)
		defer cmd.Close()

		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}

			buf, err := msg.Collect()
			if err != nil {
				return fmt.Errorf("collecting message: %w", err)
			}
			if err := fn(buf); err != nil {
				return err
			}
		}

		if err := cmd.Close(); err != nil {
			return fmt.Errorf("fetching from %s: %w", b.name, err)
		}
		return nil
	})
}

// FetchMessage fetches a single message's envelope, flags, and full
// body section.
func (b *Box) FetchMessage(ctx context.Context, uid imap.UID) (*imapclient.FetchMessageBuffer, error) {
	if uid == 0 {
		return nil, fmt.Errorf("fetch message: missing uid")
	}

	options := &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}

	var result *imapclient.FetchMessageBuffer
	err := b.FetchEach(ctx, imap.UIDSetNum(uid), options, func(buf *imapclient.FetchMessageBuffer) error {
		result = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("message UID %d not found in %s", uid, b.name)
	}
	return result, nil
}

// FetchUIDAttributes resolves a mapping of UID to flag attributes for
// the whole range. When changedSince is nonzero the server returns
// only messages modified after that modseq (CONDSTORE).
func (b *Box) FetchUIDAttributes(ctx context.Context, uids imap.UIDSet, changedSince uint64) (map[imap.UID]MessageAttrs, error) {
	attrs := make(map[imap.UID]MessageAttrs)
	if len(uids) == 0 {
		return attrs, nil
	}

	options := &imap.FetchOptions{
		UID:   true,
		Flags: true,
	}
	if changedSince > 0 {
		options.ChangedSince = changedSince
	}

	err := b.FetchEach(ctx, uids, options, func(buf *imapclient.FetchMessageBuffer) error {
		attrs[buf.UID] = MessageAttrs{
			UID:    buf.UID,
			Flags:  buf.Flags,
			ModSeq: buf.ModSeq,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

// AddFlags adds flags to every message in the set.
func (b *Box) AddFlags(ctx context.Context, uids imap.UIDSet, flags []imap.Flag) error {
	return b.storeFlags(ctx, uids, flags, imap.StoreFlagsAdd)
}

// DelFlags removes flags from every message in the set.
func (b *Box) DelFlags(ctx context.Context, uids imap.UIDSet, flags []imap.Flag) error {
	return b.storeFlags(ctx, uids, flags, imap.StoreFlagsDel)
}

func (b *Box) storeFlags(ctx context.Context, uids imap.UIDSet, flags []imap.Flag, op imap.StoreFlagsOp) error {
	if len(uids) == 0 {
		return nil
	}
	return b.run(ctx, "store "+b.name, func(ctx context.Context, client *imapclient.Client) error {
		cmd := client.Store(uids, &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  flags,
		}, nil)
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("storing flags in %s: %w", b.name, err)
		}
		return nil
	})
}

// MoveFromBox moves the given UIDs out of this box into dest.
func (b *Box) MoveFromBox(ctx context.Context, uids imap.UIDSet, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	return b.run(ctx, "move "+b.name, func(ctx context.Context, client *imapclient.Client) error {
		if _, err := client.Move(uids, dest).Wait(); err != nil {
			return fmt.Errorf("moving from %s to %s: %w", b.name, dest, err)
		}
		return nil
	})
}

// SearchHeader returns the UIDs of messages whose named header equals
// value exactly.
func (b *Box) SearchHeader(ctx context.Context, key, value string) ([]imap.UID, error) {
	var uids []imap.UID
	err := b.run(ctx, "search "+b.name, func(ctx context.Context, client *imapclient.Client) error {
		criteria := &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: value}},
		}
		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s for %s: %w", b.name, key, err)
		}
		uids = data.AllUIDs()
		return nil
	})
	return uids, err
}

// Expunge permanently removes messages flagged \Deleted.
func (b *Box) Expunge(ctx context.Context) error {
	return b.run(ctx, "expunge "+b.name, func(ctx context.Context, client *imapclient.Client) error {
		if err := client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunging %s: %w", b.name, err)
		}
		return nil
	})
}

// CloseBox deselects the mailbox. The box handle is stale afterwards.
func (b *Box) CloseBox(ctx context.Context) error {
	return b.run(ctx, "close "+b.name, func(ctx context.Context, client *imapclient.Client) error {
		if err := client.Unselect().Wait(); err != nil {
			return fmt.Errorf("closing %s: %w", b.name, err)
		}

		b.conn.mu.Lock()
		b.conn.generation++
		b.conn.currentBox = ""
		b.conn.mu.Unlock()
		return nil
	})
}
