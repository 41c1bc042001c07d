package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/ratelimit"
	"github.com/tidybot/publisher/internal/storage"
	"github.com/tidybot/publisher/internal/telemetry"
	"github.com/tidybot/publisher/internal/worker"
)

// Store is the slice of the storage layer the publish engine consumes.
// *storage.DB satisfies it; tests substitute fakes.
type Store interface {
	GetRun(ctx context.Context, id string) (model.Run, error)
	GetLastEffectiveRun(ctx context.Context, pkg, suite string) (model.Run, error)
	GetUnchangedRun(ctx context.Context, pkg, mainBranchRevision string) (model.Run, error)
	IterRunsByMainBranchRevision(ctx context.Context, revision string) ([]model.Run, error)

	GetPackage(ctx context.Context, name string) (model.Package, error)
	GetPackageByBranchURL(ctx context.Context, branchURL string) (model.Package, error)
	GuessPackageFromRevision(ctx context.Context, revision string) (model.Package, error)
	HasCotenants(ctx context.Context, pkg, branchURL string) (bool, error)

	GetProposalInfo(ctx context.Context, url string) (model.ProposalInfo, error)
	SetProposalInfo(ctx context.Context, info model.ProposalInfo) error
	GetOpenProposalURL(ctx context.Context, pkg, branchName string) (string, error)
	GetProposalRun(ctx context.Context, url string) (storage.ProposalRun, error)

	StorePublish(ctx context.Context, a model.PublishAttempt) error
	AlreadyPublished(ctx context.Context, pkg, branchName, revision string, mode model.Mode) (bool, error)
	GetPublishAttemptCount(ctx context.Context, revision string, excludeCodes []string) (int, error)

	GetPublishPolicy(ctx context.Context, pkg, suite string) (model.PublishPolicy, error)
	IterPublishReady(ctx context.Context, reviewStatus []string) ([]storage.PublishReadyRun, error)
	ScheduleBuild(ctx context.Context, req storage.ScheduleRequest) error
}

// WorkerClient performs the physical push or proposal operation.
type WorkerClient interface {
	Publish(ctx context.Context, req worker.Request) (worker.Result, error)
}

// ExecutorConfig carries the publish-time settings forwarded to the
// worker with every job.
type ExecutorConfig struct {
	ExternalURL       string
	DifferURL         string
	DerivedOwner      string
	RequireBinaryDiff bool
	DryRun            bool
}

// Executor turns a (run, role, mode) into a concrete publish action.
type Executor struct {
	store   Store
	worker  WorkerClient
	limiter ratelimit.Limiter
	topics  *Topics
	metrics *telemetry.Metrics
	logger  *slog.Logger
	cfg     ExecutorConfig
}

func NewExecutor(store Store, wc WorkerClient, limiter ratelimit.Limiter,
	topics *Topics, metrics *telemetry.Metrics, logger *slog.Logger,
	cfg ExecutorConfig) *Executor {
	return &Executor{
		store:   store,
		worker:  wc,
		limiter: limiter,
		topics:  topics,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// RoleRequest is one publish action for a single branch role of a run.
type RoleRequest struct {
	Run                 model.Run
	Package             model.Package
	Role                string
	Mode                model.Mode
	UnchangedRun        *model.Run
	ExistingProposalURL string
	Requestor           string

	// AttemptID, when set, is used for the recorded attempt instead of
	// a freshly generated one. Operator-initiated publishes assign ids
	// up front so they can be reported before the work completes.
	AttemptID uuid.UUID
}

// Outcome reports what the executor actually did. Mode is the mode
// that really executed: attempt-push resolves to push or propose, and
// a rate-limited propose degrades to build-only.
type Outcome struct {
	Mode        model.Mode
	BranchName  string
	ProposalURL string
	IsNew       bool
	RateLimited bool
	Description string
}

// derivedBranchName computes the bot-owned branch name for a role:
// the run's campaign branch name, suffixed with the role for non-main
// roles, and with the package name when the repository hosts multiple
// packages.
func (e *Executor) derivedBranchName(ctx context.Context, run model.Run, pkg model.Package, role string) (string, error) {
	name := run.BranchName
	if role != "main" {
		name = name + "/" + role
	}
	shared, err := e.store.HasCotenants(ctx, pkg.Name, pkg.BranchURL)
	if err != nil {
		return "", err
	}
	if shared {
		name = name + "/" + pkg.Name
	}
	return name, nil
}

// publishRole runs the mode state machine for one role. Returned
// errors are either *Failure (classified, to be recorded) or plain
// infrastructure errors (database unreachable and similar).
func (e *Executor) publishRole(ctx context.Context, rr RoleRequest) (Outcome, error) {
	mode := rr.Mode
	if mode.Terminal() {
		return Outcome{Mode: mode}, nil
	}

	branch, err := rr.Run.ResultBranch(rr.Role)
	if err != nil {
		return Outcome{}, &Failure{Mode: mode, Code: CodeResultBranchNotFound, Description: err.Error()}
	}
	if branch.Revision == nil {
		return Outcome{}, &Failure{
			Mode: mode, Code: CodeResultBranchNotFound,
			Description: fmt.Sprintf("role %s of run %s has no revision", rr.Role, rr.Run.ID),
		}
	}

	derivedName, err := e.derivedBranchName(ctx, rr.Run, rr.Package, rr.Role)
	if err != nil {
		return Outcome{}, err
	}

	// One open proposal per (package, branch name): reuse an existing
	// one instead of creating a duplicate. Check-then-act; a concurrent
	// create can still race past this.
	existingURL := rr.ExistingProposalURL
	if existingURL == "" && (mode == model.ModePropose || mode == model.ModeAttemptPush) {
		url, err := e.store.GetOpenProposalURL(ctx, rr.Package.Name, derivedName)
		switch {
		case err == nil:
			existingURL = url
		case !errors.Is(err, storage.ErrNotFound):
			return Outcome{}, err
		}
	}

	allowCreate := true
	if existingURL == "" && (mode == model.ModePropose || mode == model.ModeAttemptPush) {
		if err := e.limiter.CheckAllowed(rr.Package.MaintainerEmail); err != nil {
			var rl *ratelimit.RateLimitedError
			if !errors.As(err, &rl) {
				return Outcome{}, err
			}
			e.metrics.RecordRateLimited(ctx)
			if mode == model.ModePropose {
				// Not an error: the role simply is not published this
				// time around.
				e.logger.Info("proposal creation rate limited",
					"package", rr.Package.Name, "maintainer", rr.Package.MaintainerEmail,
					"reason", rl.Reason)
				return Outcome{
					Mode:        model.ModeBuildOnly,
					BranchName:  derivedName,
					RateLimited: true,
					Description: rl.Reason,
				}, nil
			}
			// attempt-push: the push itself is fine, only the fallback
			// proposal creation is off the table.
			allowCreate = false
		}
	}

	targetURL := rr.Package.BranchURL
	if branch.RemoteName != nil && rr.Role != "main" {
		targetURL = forge.WithBranch(targetURL, *branch.RemoteName)
	}

	wreq := worker.Request{
		DryRun:              e.cfg.DryRun,
		Suite:               rr.Run.Suite,
		Package:             rr.Package.Name,
		Command:             rr.Run.Command,
		SubworkerResult:     rr.Run.Result,
		MainBranchURL:       targetURL,
		LocalBranchURL:      forge.WithBranch(rr.Run.BranchURL, rr.Role),
		DerivedBranchName:   derivedName,
		DerivedOwner:        e.cfg.DerivedOwner,
		Mode:                mode,
		Role:                rr.Role,
		LogID:               rr.Run.ID,
		Revision:            *branch.Revision,
		ExistingProposalURL: existingURL,
		AllowCreateProposal: allowCreate,
		RequireBinaryDiff:   e.cfg.RequireBinaryDiff,
		ExternalURL:         e.cfg.ExternalURL,
		DifferURL:           e.cfg.DifferURL,
		Tags:                rr.Run.ResultTags,
	}
	if rr.UnchangedRun != nil {
		wreq.UnchangedLogID = rr.UnchangedRun.ID
	}

	res, err := e.worker.Publish(ctx, wreq)
	if err != nil {
		var werr *worker.Error
		if errors.As(err, &werr) {
			return Outcome{}, &Failure{Mode: mode, Code: werr.Code, Description: werr.Description}
		}
		return Outcome{}, &Failure{Mode: mode, Code: CodeInvalidResponse, Description: err.Error()}
	}

	executed := res.Mode
	if executed == "" {
		executed = mode
	}
	out := Outcome{
		Mode:        executed,
		BranchName:  res.BranchName,
		ProposalURL: res.ProposalURL,
		IsNew:       res.IsNew,
	}
	if out.BranchName == "" {
		out.BranchName = derivedName
	}

	if res.ProposalURL != "" && res.IsNew {
		e.limiter.Inc(rr.Package.MaintainerEmail)
		e.metrics.IncOpenProposals(rr.Package.MaintainerEmail)
		pkgName := rr.Package.Name
		maintainer := rr.Package.MaintainerEmail
		if err := e.store.SetProposalInfo(ctx, model.ProposalInfo{
			URL:             res.ProposalURL,
			Status:          model.ProposalOpen,
			Reason:          model.ReasonObserved,
			Revision:        branch.Revision,
			Package:         &pkgName,
			MaintainerEmail: &maintainer,
		}); err != nil {
			e.logger.Error("record new proposal", "url", res.ProposalURL, "error", err)
		}
		e.topics.MergeProposal(ctx, model.ProposalEvent{
			URL:     res.ProposalURL,
			Status:  model.ProposalOpen,
			Package: &pkgName,
		})
	}
	return out, nil
}

// AttemptResult couples the recorded attempt with what happened.
// Failure is set when the action failed with a classified code.
type AttemptResult struct {
	AttemptID uuid.UUID
	Outcome   Outcome
	Failure   *Failure
}

// publishAndRecord performs one role publish and records exactly one
// PublishAttempt row and one publish-topic event for it, success or
// failure.
func (e *Executor) publishAndRecord(ctx context.Context, rr RoleRequest) (AttemptResult, error) {
	out, err := e.publishRole(ctx, rr)

	var failure *Failure
	if err != nil {
		f, ok := AsFailure(err)
		if !ok {
			return AttemptResult{}, err
		}
		failure = f
	}

	attemptID := rr.AttemptID
	if attemptID == uuid.Nil {
		attemptID = uuid.New()
	}

	attempt := model.PublishAttempt{
		ID:        attemptID,
		Package:   rr.Package.Name,
		Role:      rr.Role,
		Requestor: rr.Requestor,
		Timestamp: time.Now(),
	}
	if branch, berr := rr.Run.ResultBranch(rr.Role); berr == nil {
		attempt.MainBranchRevision = branch.BaseRevision
		attempt.Revision = branch.Revision
	}

	ev := model.PublishEvent{
		ID:            attempt.ID,
		Package:       rr.Package.Name,
		Suite:         rr.Run.Suite,
		Role:          rr.Role,
		MainBranchURL: rr.Package.BranchURL,
		Result:        rr.Run.Result,
		RunID:         rr.Run.ID,
	}

	switch {
	case failure != nil:
		attempt.Mode = failure.Mode
		attempt.ResultCode = failure.Code
		attempt.Description = failure.Description
	case out.RateLimited:
		attempt.Mode = out.Mode
		attempt.ResultCode = CodeRateLimited
		attempt.Description = out.Description
		attempt.BranchName = &out.BranchName
	default:
		attempt.Mode = out.Mode
		attempt.ResultCode = "success"
		attempt.Description = "Success"
		if out.BranchName != "" {
			attempt.BranchName = &out.BranchName
		}
		if out.ProposalURL != "" {
			attempt.MergeProposalURL = &out.ProposalURL
		}
		delay := time.Since(rr.Run.FinishTime).Seconds()
		ev.PublishDelay = &delay
		e.metrics.RecordPublishLatency(ctx, delay, string(out.Mode))
	}

	if err := e.store.StorePublish(ctx, attempt); err != nil {
		return AttemptResult{}, fmt.Errorf("store publish attempt: %w", err)
	}

	ev.Mode = attempt.Mode
	ev.ResultCode = attempt.ResultCode
	ev.Description = attempt.Description
	ev.ProposalURL = attempt.MergeProposalURL
	ev.BranchName = attempt.BranchName
	e.topics.Publish(ctx, ev)

	return AttemptResult{AttemptID: attempt.ID, Outcome: out, Failure: failure}, nil
}
