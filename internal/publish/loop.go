package publish

import (
	"context"
	"log/slog"
	"time"
)

// Loop drives reconciliation and the pending-publish scanner on a
// fixed wall-clock cadence. The cycle's own duration is subtracted
// from the sleep so a slow pass does not stretch the interval.
type Loop struct {
	reconciler *Reconciler
	scanner    *Scanner
	interval   time.Duration
	logger     *slog.Logger
}

func NewLoop(reconciler *Reconciler, scanner *Scanner, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Loop{
		reconciler: reconciler,
		scanner:    scanner,
		interval:   interval,
		logger:     logger,
	}
}

// RunOnce performs a single reconcile-then-scan cycle. Errors are
// logged; a failed pass waits for the next cycle rather than killing
// the loop.
func (l *Loop) RunOnce(ctx context.Context) {
	if err := l.reconciler.CheckExisting(ctx); err != nil {
		l.logger.Error("reconciliation pass failed", "error", err)
	}
	if ctx.Err() != nil {
		return
	}
	if err := l.scanner.PublishPending(ctx); err != nil {
		l.logger.Error("pending-publish pass failed", "error", err)
	}
}

// Run cycles until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		l.RunOnce(ctx)

		sleep := l.interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		timer.Reset(sleep)
	}
}
