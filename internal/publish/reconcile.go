package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/ratelimit"
	"github.com/tidybot/publisher/internal/storage"
	"github.com/tidybot/publisher/internal/telemetry"
)

// Build result codes that a plain rebuild is likely to cure. Anything
// else failing needs the failed run's age to pass the retry window
// before it gets rescheduled.
var transientResultCodes = map[string]bool{
	"worker-failure":              true,
	"worker-killed":               true,
	"worker-timeout":              true,
	"result-push-failed":          true,
	"result-push-bad-revision":    true,
	"autopkgtest-testbed-failure": true,
}

// ReconcilerConfig tunes the proposal reconciliation loop.
type ReconcilerConfig struct {
	// ModifyLimit bounds remote writes per cycle: once this many
	// proposals have been modified, the rest of the pass degrades to
	// status bookkeeping only. Zero or negative means unlimited.
	ModifyLimit int
	// RetryWindow is how old a failed run must be before it is
	// rescheduled despite a non-transient result code.
	RetryWindow time.Duration
}

// Reconciler converges the bot's local proposal records with what the
// hosting services report.
type Reconciler struct {
	exec    *Executor
	store   Store
	forge   forge.Client
	limiter ratelimit.Limiter
	topics  *Topics
	metrics *telemetry.Metrics
	logger  *slog.Logger
	cfg     ReconcilerConfig
}

func NewReconciler(exec *Executor, fc forge.Client, cfg ReconcilerConfig,
	logger *slog.Logger) *Reconciler {
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 30 * 24 * time.Hour
	}
	return &Reconciler{
		exec:    exec,
		store:   exec.store,
		forge:   fc,
		limiter: exec.limiter,
		topics:  exec.topics,
		metrics: exec.metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// CheckExisting runs one full reconciliation pass over every proposal
// the bot owns. Each proposal's status is refreshed regardless of the
// modify budget; the mutating steps stop once the budget is spent.
// The per-maintainer open/merged counts observed during the pass feed
// the rate limiter and the gauges.
func (r *Reconciler) CheckExisting(ctx context.Context) error {
	entries, err := r.forge.ListProposals(ctx)
	if err != nil {
		r.metrics.ScanFinished(time.Now(), false)
		return fmt.Errorf("enumerate proposals: %w", err)
	}
	r.logger.Info("starting reconciliation pass", "proposals", len(entries))

	var (
		modified  int
		checkOnly bool
		openBy    = map[string]int{}
		mergedBy  = map[string]int{}
		byStatus  = map[string]int{}
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		didModify, info, err := r.checkProposal(ctx, entry.Proposal, entry.Status, checkOnly)
		if err != nil {
			if errors.Is(err, ErrNoRunForProposal) {
				r.logger.Warn("no local metadata for proposal, skipping",
					"url", entry.Proposal.URL())
			} else {
				r.logger.Error("reconciling proposal failed",
					"url", entry.Proposal.URL(), "error", err)
			}
		}

		byStatus[string(info.Status)]++
		if info.MaintainerEmail != nil {
			switch info.Status {
			case model.ProposalOpen:
				openBy[*info.MaintainerEmail]++
			case model.ProposalMerged:
				mergedBy[*info.MaintainerEmail]++
			}
		}

		if didModify {
			modified++
			if r.cfg.ModifyLimit > 0 && modified >= r.cfg.ModifyLimit && !checkOnly {
				r.logger.Warn("modify budget spent, rest of pass is check-only",
					"limit", r.cfg.ModifyLimit)
				checkOnly = true
			}
		}
	}

	r.limiter.SetProposalCounts(ratelimit.ProposalCounts{Open: openBy, Merged: mergedBy})
	r.metrics.SetProposalCounts(byStatus, openBy)
	r.metrics.ScanFinished(time.Now(), true)
	return nil
}

// CheckProposalByURL reconciles a single proposal on demand. Returns
// forge.ErrUnsupportedForge when no configured account can resolve the
// URL and ErrNoRunForProposal when there is no local metadata for it.
func (r *Reconciler) CheckProposalByURL(ctx context.Context, url string) (bool, error) {
	mp, err := r.forge.GetProposal(ctx, url)
	if err != nil {
		return false, err
	}
	status, err := mp.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("proposal status: %w", err)
	}
	didModify, _, err := r.checkProposal(ctx, mp, status, false)
	return didModify, err
}

// checkProposal runs the per-proposal decision sequence. It returns
// whether the proposal was modified remotely and the proposal's
// refreshed shadow record (for the caller's histograms). All decisions
// are idempotent: re-running with unchanged inputs modifies nothing.
func (r *Reconciler) checkProposal(ctx context.Context, mp forge.MergeProposal,
	observed model.ProposalStatus, checkOnly bool) (bool, model.ProposalInfo, error) {
	url := mp.URL()

	info, err := r.store.GetProposalInfo(ctx, url)
	known := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, info, err
	}
	info.URL = url
	oldStatus := info.Status

	// The bot's own terminal classification outranks a mere "closed"
	// observation: closing is how applied/abandoned get enacted in the
	// first place.
	newStatus := observed
	reason := model.ReasonObserved
	if known && info.Status.Local() && observed == model.ProposalClosed {
		newStatus = info.Status
		reason = model.ReasonLocal
	}

	revision := info.Revision
	if sourceRev, err := mp.SourceRevision(ctx); err != nil {
		r.logger.Debug("source revision unavailable", "url", url, "error", err)
	} else if sourceRev != "" {
		revision = &sourceRev
	}

	statusChanged := !known || oldStatus != newStatus ||
		!strPtrEqual(info.Revision, revision)
	info.Status = newStatus
	info.Reason = reason
	info.Revision = revision

	if newStatus == model.ProposalMerged && info.MergedBy == nil {
		if by, err := mp.MergedBy(ctx); err == nil && by != "" {
			info.MergedBy = &by
		}
		if at, err := mp.MergedAt(ctx); err == nil && !at.IsZero() {
			info.MergedAt = &at
		}
	}

	resolved := r.resolveProposalPackage(ctx, mp, &info)

	if statusChanged || resolved {
		if err := r.store.SetProposalInfo(ctx, info); err != nil {
			return false, info, err
		}
	}
	if !known || oldStatus != newStatus {
		r.topics.MergeProposal(ctx, model.ProposalEvent{
			URL:      url,
			Status:   newStatus,
			Package:  info.Package,
			MergedBy: info.MergedBy,
			MergedAt: info.MergedAt,
		})
	}

	if newStatus != model.ProposalOpen || checkOnly {
		return false, info, nil
	}

	anchor, err := r.store.GetProposalRun(ctx, url)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, info, ErrNoRunForProposal
		}
		return false, info, err
	}

	pkg, err := r.store.GetPackage(ctx, anchor.Run.Package)
	if err != nil {
		return false, info, fmt.Errorf("package %s: %w", anchor.Run.Package, err)
	}
	if pkg.Removed {
		didModify, err := r.closeProposal(ctx, mp, &info, model.ProposalAbandoned,
			fmt.Sprintf("Package %s is no longer in the archive; closing.", pkg.Name))
		return didModify, info, err
	}

	lastRun, err := r.store.GetLastEffectiveRun(ctx, anchor.Run.Package, anchor.Run.Suite)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, info, nil
		}
		return false, info, err
	}

	switch {
	case lastRun.ResultCode == model.ResultNothingToDo:
		didModify, err := r.closeProposal(ctx, mp, &info, model.ProposalApplied,
			"This change is no longer necessary; the package has been updated independently. Closing.")
		return didModify, info, err
	case lastRun.ResultCode != model.ResultSuccess:
		r.rescheduleFailedRun(ctx, url, lastRun)
		return false, info, nil
	}

	targetURL, err := mp.TargetBranchURL(ctx)
	if err != nil {
		return false, info, fmt.Errorf("target branch url: %w", err)
	}
	targetBase, _ := forge.SplitBranchParams(targetURL)
	packageBase, _ := forge.SplitBranchParams(pkg.BranchURL)
	if targetBase != packageBase {
		// The package moved repositories. Left for a human; closing a
		// proposal against the old location would lose review context.
		r.logger.Warn("package branch URL changed since proposal was opened",
			"url", url, "proposal_target", targetBase, "package_branch", packageBase)
		return false, info, nil
	}

	// The latest run may target a different remote branch than the one
	// this proposal was opened against. Pushing its diff here would
	// propose the change against the wrong branch, so abandon instead.
	if anchor.Branch.RemoteName != nil {
		lastBranch, err := lastRun.ResultBranch(anchor.Branch.Role)
		if err == nil && lastBranch.RemoteName != nil &&
			*lastBranch.RemoteName != *anchor.Branch.RemoteName {
			didModify, err := r.closeProposal(ctx, mp, &info, model.ProposalAbandoned,
				fmt.Sprintf("The branch this change targets moved from %s to %s; abandoning this proposal.",
					*anchor.Branch.RemoteName, *lastBranch.RemoteName))
			return didModify, info, err
		}
	}

	if lastRun.ID != anchor.Run.ID {
		return r.republish(ctx, mp, &info, lastRun, pkg, anchor.Branch.Role)
	}

	// Nothing changed locally; if the hoster reports a conflict, a
	// fresh diff is needed.
	mergeable, err := mp.CanBeMerged(ctx)
	if err != nil {
		if !errors.Is(err, forge.ErrMergeabilityUnknown) {
			r.logger.Debug("mergeability check failed", "url", url, "error", err)
		}
		return false, info, nil
	}
	if !mergeable {
		r.logger.Info("proposal has become unmergeable, rescheduling with refresh", "url", url)
		if err := r.store.ScheduleBuild(ctx, storage.ScheduleRequest{
			Package:   anchor.Run.Package,
			Suite:     anchor.Run.Suite,
			Bucket:    bucketUpdateExistingMP,
			Refresh:   true,
			Requestor: "publisher (merge conflict)",
		}); err != nil {
			return false, info, err
		}
	}
	return false, info, nil
}

// resolveProposalPackage fills in missing package/maintainer
// attribution: first from the target branch URL, then best-effort from
// the source revision. Reports whether anything was resolved.
func (r *Reconciler) resolveProposalPackage(ctx context.Context, mp forge.MergeProposal, info *model.ProposalInfo) bool {
	if info.Package != nil && info.MaintainerEmail != nil {
		return false
	}

	var pkg model.Package
	found := false
	if targetURL, err := mp.TargetBranchURL(ctx); err == nil {
		if p, err := r.store.GetPackageByBranchURL(ctx, targetURL); err == nil {
			pkg, found = p, true
		}
	}
	if !found && info.Revision != nil {
		if p, err := r.store.GuessPackageFromRevision(ctx, *info.Revision); err == nil {
			pkg, found = p, true
		}
	}
	if !found {
		r.logger.Warn("cannot resolve package for proposal", "url", info.URL)
		return false
	}
	if info.Package == nil {
		info.Package = &pkg.Name
	}
	if info.MaintainerEmail == nil {
		info.MaintainerEmail = &pkg.MaintainerEmail
	}
	return true
}

// rescheduleFailedRun decides whether a failed latest run warrants a
// rebuild: transient codes always do, anything else only after the
// retry window has passed. Scheduling errors are logged, not fatal.
func (r *Reconciler) rescheduleFailedRun(ctx context.Context, url string, lastRun model.Run) {
	age := time.Since(lastRun.FinishTime)
	var requestor string
	switch {
	case transientResultCodes[lastRun.ResultCode]:
		r.logger.Info("last run failed with transient error, rescheduling",
			"url", url, "code", lastRun.ResultCode)
		requestor = "publisher (transient error)"
	case age > r.cfg.RetryWindow:
		r.logger.Info("last run failed long ago, rescheduling",
			"url", url, "code", lastRun.ResultCode, "age", age)
		requestor = fmt.Sprintf("publisher (retrying failed run after %d days)",
			int(age.Hours()/24))
	default:
		r.logger.Info("last run failed, leaving proposal alone",
			"url", url, "code", lastRun.ResultCode)
		return
	}
	if err := r.store.ScheduleBuild(ctx, storage.ScheduleRequest{
		Package:   lastRun.Package,
		Suite:     lastRun.Suite,
		Command:   lastRun.Command,
		Bucket:    bucketUpdateExistingMP,
		Requestor: requestor,
	}); err != nil {
		r.logger.Error("reschedule failed run", "url", url, "error", err)
	}
}

// republish pushes a newer diff to an existing open proposal.
func (r *Reconciler) republish(ctx context.Context, mp forge.MergeProposal,
	info *model.ProposalInfo, lastRun model.Run, pkg model.Package, role string,
) (bool, model.ProposalInfo, error) {
	url := mp.URL()
	r.logger.Info("updating proposal with newer run",
		"url", url, "run", lastRun.ID)

	res, err := r.exec.publishAndRecord(ctx, RoleRequest{
		Run:                 lastRun,
		Package:             pkg,
		Role:                role,
		Mode:                model.ModePropose,
		UnchangedRun:        r.exec.lookupUnchangedRun(ctx, lastRun),
		ExistingProposalURL: url,
		Requestor:           "publisher (merge proposal update)",
	})
	if err != nil {
		return false, *info, err
	}
	if res.Failure != nil {
		if res.Failure.Code == CodeEmptyMergeProposal {
			// Upstream already absorbed the change.
			didModify, err := r.closeProposal(ctx, mp, info, model.ProposalApplied,
				"This change has been applied independently; closing.")
			return didModify, *info, err
		}
		// Already recorded; try again next cycle.
		return false, *info, nil
	}
	if res.Outcome.ProposalURL != "" && res.Outcome.ProposalURL != url {
		r.logger.Warn("hoster returned a different proposal URL on update",
			"expected", url, "got", res.Outcome.ProposalURL)
	}
	return true, *info, nil
}

// closeProposal posts an explanatory comment, closes the proposal and
// records the local terminal status. Permission failures against the
// hosting API are logged and the step reports "not modified" so one
// uncooperative proposal cannot abort the whole pass.
func (r *Reconciler) closeProposal(ctx context.Context, mp forge.MergeProposal,
	info *model.ProposalInfo, status model.ProposalStatus, comment string) (bool, error) {
	url := mp.URL()
	if comment != "" {
		if err := mp.PostComment(ctx, comment); err != nil {
			r.logger.Warn("posting comment failed", "url", url, "error", err)
		}
	}
	if err := mp.Close(ctx); err != nil {
		r.logger.Warn("closing proposal failed", "url", url, "error", err)
		return false, nil
	}

	info.Status = status
	info.Reason = model.ReasonLocal
	if err := r.store.SetProposalInfo(ctx, *info); err != nil {
		return true, err
	}
	r.topics.MergeProposal(ctx, model.ProposalEvent{
		URL:     url,
		Status:  status,
		Package: info.Package,
	})
	return true, nil
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
