// recovery.go -- Periodic sweep that re-enqueues rows whose task was lost.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
)

const sweepBatch = 200

// StrandedStore is the webhook_logs surface used by Recovery.
type StrandedStore interface {
	RequeueStrandedWebhookLogs(ctx context.Context, idleBefore, failedBefore time.Time, limit int) ([]uuid.UUID, error)
}

// Recovery finds log rows that no queued task will ever reach and enqueues
// them again.
type Recovery struct {
	logs  StrandedStore
	sched Scheduler

	// IdleAfter is how long a received or processing row may sit untouched.
	IdleAfter time.Duration
	// FailedAfter must exceed the longest retry backoff.
	FailedAfter time.Duration
	Interval    time.Duration

	now func() time.Time
}

// NewRecovery returns a Recovery with a 15m idle window, a 1h failed window
// and a 5m interval.
func NewRecovery(logs StrandedStore, sched Scheduler) *Recovery {
	return &Recovery{
		logs:        logs,
		sched:       sched,
		IdleAfter:   15 * time.Minute,
		FailedAfter: time.Hour,
		Interval:    5 * time.Minute,
		now:         time.Now,
	}
}

// Sweep requeues one batch of stranded rows and returns how many were enqueued.
func (rc *Recovery) Sweep(ctx context.Context) (int, error) {
	now := rc.now()
	ids, err := rc.logs.RequeueStrandedWebhookLogs(ctx, now.Add(-rc.IdleAfter), now.Add(-rc.FailedAfter), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := rc.sched.Enqueue(ctx, Task{LogID: id}); err != nil {
			return n, fmt.Errorf("enqueuing recovered task %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// Run sweeps once immediately and then every Interval until ctx is cancelled.
func (rc *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.Interval)
	defer ticker.Stop()
	for {
		n, err := rc.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Warn("webhook recovery sweep failed", "requeued", n, "error", err)
		case n > 0:
			slog.Info("webhook recovery sweep requeued rows", "requeued", n)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
