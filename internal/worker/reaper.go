package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"convo-engine/internal/store"
)

// Reaper fails dispatched executions no executor finished in time.
type Reaper struct {
	Store        store.Store
	StaleTimeout time.Duration
	Now          func() time.Time
}

func (r Reaper) Reap(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	reason := fmt.Sprintf("no result within %s", r.StaleTimeout)
	var n int
	err := r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.FailStale(ctx, now.Add(-r.StaleTimeout), reason, now)
		return err
	})
	return n, err
}

// Schedule registers the outbox sweep and the stale-task reaper on c.
// Jobs run with ctx, so cancelling it stops work already in flight.
func Schedule(ctx context.Context, c *cron.Cron, relay *Relay, reaper Reaper, sweepSpec, reaperSpec string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if relay != nil {
		if _, err := c.AddFunc(sweepSpec, func() { relay.Drain(ctx) }); err != nil {
			return fmt.Errorf("worker: schedule outbox sweep %q: %w", sweepSpec, err)
		}
	}
	if reaper.Store != nil && reaper.StaleTimeout > 0 {
		_, err := c.AddFunc(reaperSpec, func() {
			n, err := reaper.Reap(ctx)
			if err != nil {
				log.Error("stale task reaper failed", "err", err)
				return
			}
			if n > 0 {
				log.Warn("stale task executions failed", "count", n)
			}
		})
		if err != nil {
			return fmt.Errorf("worker: schedule reaper %q: %w", reaperSpec, err)
		}
	}
	return nil
}

// RunCron starts c and stops it when ctx is done, waiting for running jobs.
func RunCron(ctx context.Context, c *cron.Cron) error {
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
