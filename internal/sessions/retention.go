package sessions

import (
	"context"
	"log/slog"
	"time"
)

// RetentionPolicy controls how long finished sessions are kept.
type RetentionPolicy struct {
	FailedAfter    time.Duration
	CompletedAfter time.Duration
	Interval       time.Duration
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	out := p
	if out.FailedAfter <= 0 {
		out.FailedAfter = 30 * 24 * time.Hour
	}
	if out.CompletedAfter <= 0 {
		out.CompletedAfter = 90 * 24 * time.Hour
	}
	if out.Interval <= 0 {
		out.Interval = time.Hour
	}
	return out
}

// Sweeper deletes terminal sessions past their retention window. Live
// sessions are never touched.
type Sweeper struct {
	store  Store
	policy RetentionPolicy
	log    *slog.Logger
	clock  func() time.Time
}

func NewSweeper(store Store, policy RetentionPolicy, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, policy: policy.withDefaults(), log: log, clock: time.Now}
}

func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error("session retention sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one retention pass and returns the number of deleted sessions.
func (w *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := w.clock().UTC()

	failed, err := w.store.DeleteTerminalBefore(ctx, []Status{StatusFailed, StatusCancelled}, now.Add(-w.policy.FailedAfter))
	if err != nil {
		return 0, err
	}
	completed, err := w.store.DeleteTerminalBefore(ctx, []Status{StatusCompleted}, now.Add(-w.policy.CompletedAfter))
	if err != nil {
		return failed, err
	}
	if total := failed + completed; total > 0 {
		w.log.Info("session retention sweep", "deleted_failed", failed, "deleted_completed", completed)
	}
	return failed + completed, nil
}
