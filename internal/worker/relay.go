package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"convo-engine/internal/store"
)

// Relay moves committed outbox rows to the Publisher and marks their task
// executions dispatched. It is woken after each commit and swept on a
// schedule so nothing is stranded by a crash between commit and publish.
type Relay struct {
	Store     store.Store
	Publisher Publisher
	BatchSize int
	Now       func() time.Time

	log  *slog.Logger
	wake chan struct{}
}

func NewRelay(s store.Store, pub Publisher, batchSize int, log *slog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 50
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		Store:     s,
		Publisher: pub,
		BatchSize: batchSize,
		Now:       time.Now,
		log:       log.With("component", "outbox_relay"),
		wake:      make(chan struct{}, 1),
	}
}

// Nudge requests a sweep without blocking.
func (r *Relay) Nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Sweep publishes one batch. Rows published before a publish failure stay
// published; the failing row and the rest wait for the next sweep.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	var published int
	var pubErr error
	err := r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		published, pubErr = 0, nil
		rows, err := tx.ClaimOutbox(ctx, r.BatchSize)
		if err != nil {
			return err
		}
		for _, m := range rows {
			if err := r.Publisher.Publish(ctx, m); err != nil {
				pubErr = fmt.Errorf("publish outbox %s: %w", m.ID, err)
				break
			}
			now := r.now()
			if err := tx.MarkOutboxPublished(ctx, m.ID, now); err != nil {
				return err
			}
			if err := tx.MarkDispatched(ctx, m.TaskExecutionID, now); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("worker: outbox sweep: %w", err)
	}
	return published, pubErr
}

// Drain sweeps until a batch comes back short or publishing fails.
func (r *Relay) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.Sweep(ctx)
		if n > 0 {
			r.log.Debug("outbox rows published", "count", n)
		}
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				r.log.Warn("task queue full, deferring outbox rows")
			} else {
				r.log.Error("outbox sweep failed", "err", err)
			}
			return
		}
		if n < r.BatchSize {
			return
		}
	}
}

// Run drains on every nudge until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			r.Drain(ctx)
		}
	}
}

func (r *Relay) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}
