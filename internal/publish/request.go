package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/storage"
)

// OneOffRequest is an operator-initiated publish of a single
// package/suite pair, bypassing the scanner.
type OneOffRequest struct {
	Package string
	Suite   string
	// Role restricts publishing to one role; empty means every role
	// the run produced.
	Role string
	// Mode, when set, overrides the policy mode for all selected roles.
	Mode      *model.Mode
	Requestor string
}

// PreparedPublish is a resolved one-off publish: attempt ids are
// assigned up front so callers can report them before running the
// actual publish work, which may be detached.
type PreparedPublish struct {
	RunID string
	// PublishIDs has an entry for every selected role, including ones
	// whose mode turned out terminal and will not be acted on.
	PublishIDs map[string]uuid.UUID

	exec *Executor
	jobs []RoleRequest
}

// PreparePublish resolves the latest effective run, the policy and the
// per-role modes for a one-off publish. storage.ErrNotFound is
// returned when the package or a usable run does not exist.
func (e *Executor) PreparePublish(ctx context.Context, req OneOffRequest) (*PreparedPublish, error) {
	pkg, err := e.store.GetPackage(ctx, req.Package)
	if err != nil {
		return nil, err
	}
	run, err := e.store.GetLastEffectiveRun(ctx, pkg.Name, req.Suite)
	if err != nil {
		return nil, err
	}

	policy, err := e.store.GetPublishPolicy(ctx, pkg.Name, req.Suite)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load publish policy: %w", err)
	}

	var roles []string
	if req.Role != "" {
		roles = []string{req.Role}
	} else {
		for _, b := range run.ResultBranches {
			roles = append(roles, b.Role)
		}
	}

	unchanged := e.lookupUnchangedRun(ctx, run)

	prepared := &PreparedPublish{
		RunID:      run.ID,
		PublishIDs: map[string]uuid.UUID{},
		exec:       e,
	}
	for _, role := range roles {
		mode := model.ModeSkip
		if m, ok := policy.Roles[role]; ok {
			mode = m
		}
		if req.Mode != nil {
			mode = *req.Mode
		}

		id := uuid.New()
		prepared.PublishIDs[role] = id

		if mode.Terminal() {
			continue
		}
		prepared.jobs = append(prepared.jobs, RoleRequest{
			Run:          run,
			Package:      pkg,
			Role:         role,
			Mode:         mode,
			UnchangedRun: unchanged,
			Requestor:    req.Requestor,
			AttemptID:    id,
		})
	}
	return prepared, nil
}

// Run executes the prepared publishes. Failures are recorded as
// attempts by the executor; only infrastructure errors are logged here.
func (p *PreparedPublish) Run(ctx context.Context) {
	for _, rr := range p.jobs {
		p.exec.logger.Info("publishing on request",
			"package", rr.Package.Name, "suite", rr.Run.Suite,
			"role", rr.Role, "mode", rr.Mode, "requestor", rr.Requestor)
		if _, err := p.exec.publishAndRecord(ctx, rr); err != nil {
			p.exec.logger.Error("requested publish failed",
				"package", rr.Package.Name, "role", rr.Role, "error", err)
		}
	}
}
