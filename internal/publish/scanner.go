package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tidybot/publisher/internal/storage"
)

// maxBackoffShift bounds the exponent so the window computation cannot
// overflow for runs with a long failure history.
const maxBackoffShift = 16

// ScannerConfig tunes the pending-publish scanner.
type ScannerConfig struct {
	// ReviewedOnly restricts publishing to runs with review status
	// "approved"; otherwise "unreviewed" runs qualify too.
	ReviewedOnly bool
	// PushLimit is the per-cycle budget of runs published in push mode.
	// Negative means unlimited.
	PushLimit int
	// BackoffBase is the backoff unit: a run with k prior failed
	// attempts is not retried before finish_time + base * 2^k.
	BackoffBase time.Duration
	// ExcludeCodes lists benign failure codes that do not count toward
	// the backoff window.
	ExcludeCodes []string
}

// Scanner walks publish-ready runs and publishes each one per policy.
type Scanner struct {
	exec   *Executor
	store  Store
	logger *slog.Logger
	cfg    ScannerConfig
}

func NewScanner(exec *Executor, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Hour
	}
	return &Scanner{exec: exec, store: exec.store, logger: logger, cfg: cfg}
}

// nextAttemptTime computes when a run becomes eligible for another
// publish attempt given its failure history.
func nextAttemptTime(finish time.Time, base time.Duration, attempts int) time.Time {
	if attempts > maxBackoffShift {
		attempts = maxBackoffShift
	}
	return finish.Add(base * (1 << attempts))
}

// PublishPending runs one pending-publish pass: every publish-ready
// run outside its backoff window gets published per policy, subject to
// the global push quota.
func (s *Scanner) PublishPending(ctx context.Context) error {
	return s.PublishPendingWith(ctx, s.cfg.ReviewedOnly)
}

// PublishPendingWith is PublishPending with an explicit review
// restriction, overriding the configured one. The autopublish endpoint
// defaults to reviewed-only unless the caller opts in to unreviewed
// runs.
func (s *Scanner) PublishPendingWith(ctx context.Context, reviewedOnly bool) error {
	reviewStatus := []string{"approved"}
	if !reviewedOnly {
		reviewStatus = append(reviewStatus, "unreviewed")
	}

	ready, err := s.store.IterPublishReady(ctx, reviewStatus)
	if err != nil {
		return err
	}
	s.logger.Info("starting pending-publish pass", "candidates", len(ready))

	pushBudget := s.cfg.PushLimit
	for _, pr := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		run := pr.Run
		if run.Revision == nil {
			s.logger.Warn("publish-ready run has no revision", "run", run.ID)
			continue
		}

		attempts, err := s.store.GetPublishAttemptCount(ctx, *run.Revision, s.cfg.ExcludeCodes)
		if err != nil {
			return err
		}
		if next := nextAttemptTime(run.FinishTime, s.cfg.BackoffBase, attempts); time.Now().Before(next) {
			s.logger.Debug("run still in backoff window",
				"run", run.ID, "attempts", attempts, "next_try", next)
			continue
		}

		policy, err := s.store.GetPublishPolicy(ctx, run.Package, run.Suite)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Debug("no publish policy", "package", run.Package, "suite", run.Suite)
				continue
			}
			return err
		}

		pkg, err := s.store.GetPackage(ctx, run.Package)
		if err != nil {
			s.logger.Warn("package lookup failed", "package", run.Package, "error", err)
			continue
		}

		res, err := s.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
			Run:         run,
			Package:     pkg,
			Policy:      policy,
			Force:       false,
			PushAllowed: pushBudget != 0,
			Requestor:   "publisher (publish pending)",
		})
		if err != nil {
			s.logger.Error("publishing run failed", "run", run.ID, "error", err)
			continue
		}
		if res.PushedMainline && pushBudget > 0 {
			pushBudget--
		}
	}
	return nil
}
