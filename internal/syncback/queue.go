package syncback

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
	syncpkg "github.com/mailmirror/mailmirror/internal/sync"
)

// maxAttempts bounds how many times a retryable request is re-queued
// before it fails for good.
const maxAttempts = 5

// pollInterval is how often the runner checks for pending requests
// when the queue looks empty.
const pollInterval = 2 * time.Second

// Runner drains one account's syncback queue: it claims the oldest
// pending request, executes it against the live IMAP connection, and
// persists the outcome. Requests run strictly one at a time so writes
// to the server stay ordered.
type Runner struct {
	store   store.Store
	session session
	cfg     model.SyncConfig
	log     zerolog.Logger
	account model.Account

	mu      gosync.Mutex
	running bool
	stopCh  chan struct{}
	wg      gosync.WaitGroup
}

// NewRunner creates a queue runner for one account.
func NewRunner(s store.Store, engine *syncpkg.Engine, cfg model.SyncConfig, log zerolog.Logger, account model.Account) *Runner {
	return &Runner{
		store:   s,
		session: &engineSession{engine: engine, account: account},
		cfg:     cfg,
		log:     log.With().Str("component", "syncback").Str("account", account.ID).Logger(),
		account: account,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	r.wg.Add(1)
	go r.loop()
}

// Stop halts the drain loop. An in-flight request finishes first.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.drain()
		}
	}
}

// drain claims and runs requests until the queue is empty or the
// runner is stopped.
func (r *Runner) drain() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		req, err := r.store.ClaimNextPendingRequest(
			context.Background(), r.account.ID, model.StatusInProgressRetryable)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			r.log.Error().Err(err).Msg("claiming syncback request failed")
			return
		}

		r.runRequest(req)
	}
}

// runRequest executes one claimed request and persists its terminal
// status. Terminal statuses are never overwritten, so a concurrent
// cancellation sticks even if execution finishes afterwards.
func (r *Runner) runRequest(req *model.SyncbackRequest) {
	log := r.log.With().
		Str("request", req.ID).
		Str("type", string(req.Type)).
		Logger()

	if r.isCancelled(req.ID) {
		log.Info().Msg("request cancelled before execution")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopWatch := r.watchCancellation(ctx, cancel, req.ID)
	defer stopWatch()

	result, err := r.execute(ctx, req)
	if err != nil {
		r.finishWithError(log, req, err)
		return
	}

	if err := r.store.UpdateSyncbackStatus(context.Background(), req.ID, model.StatusSucceeded, ""); err != nil {
		log.Error().Err(err).Msg("persisting SUCCEEDED failed")
		return
	}
	log.Info().Msg("request succeeded")

	if result.ContinueWith != nil {
		_, err := r.store.CreateSyncbackRequest(context.Background(), model.SyncbackRequest{
			AccountID: req.AccountID,
			Type:      req.Type,
			Props:     result.ContinueWith,
			Status:    model.StatusPending,
		})
		if err != nil {
			log.Error().Err(err).Msg("enqueueing continuation failed")
			return
		}
		log.Info().Msg("continuation enqueued")
	}
}

func (r *Runner) finishWithError(log zerolog.Logger, req *model.SyncbackRequest, err error) {
	if errors.Is(err, context.Canceled) && r.isCancelled(req.ID) {
		log.Info().Msg("request cancelled during execution")
		return
	}

	retryable := !isPermanent(err) && imapx.IsRetryable(err)
	if retryable && req.Attempts+1 < maxAttempts {
		log.Warn().Err(err).Int("attempts", req.Attempts+1).Msg("request failed, will retry")
		if uerr := r.store.IncrementSyncbackAttempts(context.Background(), req.ID); uerr != nil {
			log.Error().Err(uerr).Msg("incrementing attempts failed")
			return
		}
		if uerr := r.store.UpdateSyncbackStatus(context.Background(), req.ID, model.StatusPending, err.Error()); uerr != nil {
			log.Error().Err(uerr).Msg("re-queueing request failed")
		}
		return
	}

	log.Error().Err(err).Msg("request failed")
	if uerr := r.store.UpdateSyncbackStatus(context.Background(), req.ID, model.StatusFailed, err.Error()); uerr != nil {
		log.Error().Err(uerr).Msg("persisting FAILED failed")
	}
}

// isCancelled reloads the request and reports whether someone moved it
// to CANCELLED.
func (r *Runner) isCancelled(id string) bool {
	req, err := r.store.GetSyncbackRequest(context.Background(), id)
	if err != nil {
		return false
	}
	return req.Status == model.StatusCancelled
}

// watchCancellation periodically reloads the request while it runs and
// cancels the execution context if it was moved to CANCELLED. Returns
// a func that stops the watcher.
func (r *Runner) watchCancellation(ctx context.Context, cancel context.CancelFunc, id string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.isCancelled(id) {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
