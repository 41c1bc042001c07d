package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/storage"
)

// Reschedule bucket tags. Backoff accounting on the build queue is
// scoped per bucket so one failure class does not starve another.
const (
	bucketUpdateNewMP      = "update-new-mp"
	bucketUpdateExistingMP = "update-existing-mp"
	bucketMissingDiff      = "missing-build-diff"
	bucketControl          = "control"
)

// PolicyPublishOptions selects what PublishFromPolicy should do with
// one run.
type PolicyPublishOptions struct {
	Run     model.Run
	Package model.Package
	Policy  model.PublishPolicy

	// Roles restricts publishing to the named roles; nil means every
	// role the run produced a branch for.
	Roles []string
	// ModeOverride replaces the policy mode for all selected roles.
	ModeOverride *model.Mode
	// Force skips the already-published check.
	Force bool
	// PushAllowed is false once the per-cycle push quota is exhausted;
	// push and attempt-push roles are then skipped, other modes are
	// unaffected.
	PushAllowed bool
	Requestor   string
}

// PolicyPublishResult reports what one PublishFromPolicy call did.
type PolicyPublishResult struct {
	// AttemptIDs maps each acted-on role to its publish attempt id.
	AttemptIDs map[string]uuid.UUID
	// PushedMainline is true when a push-mode publish succeeded, which
	// consumes one unit of the scanner's push quota.
	PushedMainline bool
}

// PublishFromPolicy publishes every eligible role of a run under its
// policy-assigned (or overridden) mode. One PublishAttempt row and one
// publish event are produced per acted-on role; roles whose mode is
// terminal, already published, or quota-blocked are skipped silently.
func (e *Executor) PublishFromPolicy(ctx context.Context, opts PolicyPublishOptions) (PolicyPublishResult, error) {
	result := PolicyPublishResult{AttemptIDs: map[string]uuid.UUID{}}
	run := opts.Run

	if run.Revision == nil {
		e.logger.Warn("run has no revision, not publishing", "run", run.ID)
		return result, nil
	}

	// Policy changed since this run was built: its command no longer
	// matches what the policy wants, changelog flag included. Publishing
	// the stale result would ship the wrong change, so rebuild instead.
	if expected := opts.Policy.ExpectedCommand(); expected != "" && expected != run.Command {
		e.logger.Info("run command is stale, rescheduling",
			"run", run.ID, "package", run.Package,
			"run_command", run.Command, "policy_command", expected)
		if err := e.store.ScheduleBuild(ctx, storage.ScheduleRequest{
			Package:   run.Package,
			Suite:     run.Suite,
			Bucket:    bucketUpdateNewMP,
			Refresh:   true,
			Requestor: opts.Requestor,
		}); err != nil {
			return result, fmt.Errorf("reschedule stale run: %w", err)
		}
		return result, nil
	}

	unchangedRun := e.lookupUnchangedRun(ctx, run)

	roles := opts.Roles
	if roles == nil {
		for _, b := range run.ResultBranches {
			roles = append(roles, b.Role)
		}
	}

	for _, role := range roles {
		mode, ok := opts.Policy.Roles[role]
		if !ok {
			e.logger.Debug("no policy mode for role, skipping",
				"run", run.ID, "role", role)
			continue
		}
		if opts.ModeOverride != nil {
			mode = *opts.ModeOverride
		}
		if mode.Terminal() {
			continue
		}
		// attempt-push counts against the quota too: the worker may
		// resolve it to an actual push.
		if (mode == model.ModePush || mode == model.ModeAttemptPush) && !opts.PushAllowed {
			e.logger.Debug("push quota exhausted, skipping",
				"run", run.ID, "role", role)
			continue
		}

		branch, err := run.ResultBranch(role)
		if err != nil || branch.Revision == nil {
			e.logger.Warn("no result branch for role", "run", run.ID, "role", role)
			continue
		}

		if !opts.Force {
			derivedName, err := e.derivedBranchName(ctx, run, opts.Package, role)
			if err != nil {
				return result, err
			}
			published, err := e.store.AlreadyPublished(
				ctx, opts.Package.Name, derivedName, *branch.Revision, mode)
			if err != nil {
				return result, err
			}
			if published {
				continue
			}
		}

		res, err := e.publishAndRecord(ctx, RoleRequest{
			Run:          run,
			Package:      opts.Package,
			Role:         role,
			Mode:         mode,
			UnchangedRun: unchangedRun,
			Requestor:    opts.Requestor,
		})
		if err != nil {
			return result, err
		}
		result.AttemptIDs[role] = res.AttemptID

		if res.Failure != nil {
			if err := e.handlePublishFailure(ctx, run, res.Failure, opts.Requestor); err != nil {
				return result, err
			}
			continue
		}
		if res.Outcome.Mode == model.ModePush && !res.Outcome.RateLimited {
			result.PushedMainline = true
		}
	}
	return result, nil
}

// lookupUnchangedRun finds the control ("unchanged") build for the
// run's diff base, which the worker needs to produce a binary diff.
func (e *Executor) lookupUnchangedRun(ctx context.Context, run model.Run) *model.Run {
	if run.MainBranchRevision == nil {
		return nil
	}
	unchanged, err := e.store.GetUnchangedRun(ctx, run.Package, *run.MainBranchRevision)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("unchanged run lookup failed", "run", run.ID, "error", err)
		}
		return nil
	}
	return &unchanged
}

// handlePublishFailure reschedules builds for failures that a rebuild
// can actually cure. Permission and ownership failures stay recorded
// until an operator intervenes.
func (e *Executor) handlePublishFailure(ctx context.Context, run model.Run, f *Failure, requestor string) error {
	switch f.Code {
	case CodeMissingBuildDiffSelf:
		// The run itself lacks a binary artifact; rebuild it fresh.
		return e.store.ScheduleBuild(ctx, storage.ScheduleRequest{
			Package:   run.Package,
			Suite:     run.Suite,
			Bucket:    bucketMissingDiff,
			Refresh:   true,
			Requestor: requestor,
		})
	case CodeMissingBuildDiffCtrl:
		// No control build exists for the diff base; request one.
		return e.store.ScheduleBuild(ctx, storage.ScheduleRequest{
			Package:   run.Package,
			Suite:     "unchanged",
			Bucket:    bucketControl,
			Requestor: requestor,
		})
	default:
		if f.Transient() {
			return e.store.ScheduleBuild(ctx, storage.ScheduleRequest{
				Package:   run.Package,
				Suite:     run.Suite,
				Bucket:    bucketUpdateNewMP,
				Requestor: requestor,
			})
		}
		return nil
	}
}
