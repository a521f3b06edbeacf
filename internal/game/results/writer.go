// Package results persists match outcomes. A single Writer serializes all
// result writes per player id, so the store's optimistic concurrency check
// only ever trips on external writers.
package results

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

const (
	defaultMaxRetries   = 4
	defaultWriteTimeout = 5 * time.Second
)

// Option configures a Writer.
type Option func(*Writer)

// WithMaxRetries sets how many times a conflicted write is retried before
// the record is marked unflushed.
func WithMaxRetries(n uint64) Option {
	return func(w *Writer) { w.maxRetries = n }
}

// WithWriteTimeout bounds the total time spent on one result, retries
// included.
func WithWriteTimeout(d time.Duration) Option {
	return func(w *Writer) { w.timeout = d }
}

// Writer flushes match results to the player store. Results for the same
// player are applied strictly in enqueue order; results for different
// players flush concurrently.
type Writer struct {
	store      postgres.PlayerStore
	logger     *zap.Logger
	maxRetries uint64
	timeout    time.Duration

	mu     sync.Mutex
	queues map[int64][]postgres.ResultDelta
	busy   map[int64]bool
	wg     sync.WaitGroup
}

// NewWriter creates a Writer.
//
// Precondition: store and logger must not be nil.
func NewWriter(store postgres.PlayerStore, logger *zap.Logger, opts ...Option) *Writer {
	w := &Writer{
		store:      store,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		timeout:    defaultWriteTimeout,
		queues:     make(map[int64][]postgres.ResultDelta),
		busy:       make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue accepts a result for asynchronous flushing. Never blocks.
//
// Postcondition: The result will be written after every earlier result for
// the same player, or the record will be marked unflushed.
func (w *Writer) Enqueue(playerID int64, delta postgres.ResultDelta) {
	w.mu.Lock()
	w.queues[playerID] = append(w.queues[playerID], delta)
	if !w.busy[playerID] {
		w.busy[playerID] = true
		w.wg.Add(1)
		go w.drain(playerID)
	}
	w.mu.Unlock()
}

// Wait blocks until every enqueued result has been flushed or marked.
// Intended for shutdown and tests.
func (w *Writer) Wait() {
	w.wg.Wait()
}

func (w *Writer) drain(playerID int64) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		q := w.queues[playerID]
		if len(q) == 0 {
			w.busy[playerID] = false
			delete(w.queues, playerID)
			w.mu.Unlock()
			return
		}
		delta := q[0]
		w.queues[playerID] = q[1:]
		w.mu.Unlock()

		w.write(playerID, delta)
	}
}

func (w *Writer) write(playerID int64, delta postgres.ResultDelta) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	op := func() error {
		err := w.store.WritePlayerResult(ctx, playerID, delta)
		if err == nil {
			return nil
		}
		// Conflicts come from external writers racing the same row and
		// are worth retrying; anything else is final.
		if errors.Is(err, postgres.ErrWriteConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, w.maxRetries), ctx))
	if err == nil {
		w.logger.Info("result flushed",
			zap.Int64("player_id", playerID),
			zap.String("outcome", string(delta.Outcome)),
			zap.Int("rating_delta", delta.RatingDelta),
			zap.Duration("duration", time.Since(start)))
		return
	}

	w.logger.Error("flushing result failed, marking record",
		zap.Int64("player_id", playerID),
		zap.String("outcome", string(delta.Outcome)),
		zap.Error(err))

	mctx, mcancel := context.WithTimeout(context.Background(), w.timeout)
	defer mcancel()
	if merr := w.store.MarkUnflushed(mctx, playerID); merr != nil {
		w.logger.Error("marking record unflushed failed",
			zap.Int64("player_id", playerID),
			zap.Error(merr))
	}
}
