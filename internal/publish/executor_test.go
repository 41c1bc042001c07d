package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/ratelimit"
	"github.com/tidybot/publisher/internal/storage"
	"github.com/tidybot/publisher/internal/worker"
)

func testRun(id, pkg, suite string, revision string) model.Run {
	return model.Run{
		ID:         id,
		Package:    pkg,
		Suite:      suite,
		Command:    "lintian-brush",
		ResultCode: model.ResultSuccess,
		Revision:   strp(revision),
		BranchURL:  "https://vcs.example.com/" + pkg,
		BranchName: "lintian-fixes",
		ResultBranches: []model.ResultBranch{
			{Role: "main", RemoteName: strp("main"), BaseRevision: strp("base-" + revision), Revision: strp(revision)},
		},
		StartTime:  time.Now().Add(-time.Hour),
		FinishTime: time.Now().Add(-30 * time.Minute),
	}
}

func testPackage(name string) model.Package {
	return model.Package{
		Name:            name,
		MaintainerEmail: name + "-maint@example.com",
		BranchURL:       "https://example.com/" + name,
	}
}

type fixture struct {
	store    *fakeStore
	worker   *fakeWorker
	limiter  *fakeLimiter
	notifier *fakeNotifier
	exec     *Executor
}

func newFixture() *fixture {
	f := &fixture{
		store:    newFakeStore(),
		worker:   &fakeWorker{},
		limiter:  &fakeLimiter{},
		notifier: newFakeNotifier(),
	}
	logger := testLogger()
	f.exec = NewExecutor(f.store, f.worker, f.limiter,
		NewTopics(f.notifier, logger), nil, logger, ExecutorConfig{
			ExternalURL: "https://janitor.example.com",
			DifferURL:   "https://differ.example.com",
		})
	return f
}

func TestProposeCreatesNewProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")
	f.store.packages["foo"] = pkg
	f.store.policies["foo/lintian-fixes"] = model.PublishPolicy{
		Roles:   map[string]model.Mode{"main": model.ModePropose},
		Command: "lintian-brush",
	}
	f.worker.fn = func(req worker.Request) (worker.Result, error) {
		return worker.Result{
			Mode:        model.ModePropose,
			BranchName:  req.DerivedBranchName,
			ProposalURL: "https://forge.example.com/mp/1",
			IsNew:       true,
		}, nil
	}

	res, err := f.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
		Run: run, Package: pkg,
		Policy:      f.store.policies["foo/lintian-fixes"],
		PushAllowed: true,
		Requestor:   "test",
	})
	require.NoError(t, err)
	require.Contains(t, res.AttemptIDs, "main")

	require.Len(t, f.worker.requests, 1)
	req := f.worker.requests[0]
	assert.Equal(t, "lintian-fixes", req.DerivedBranchName)
	assert.Equal(t, "R2", req.Revision)
	assert.True(t, req.AllowCreateProposal)
	assert.Equal(t, "https://example.com/foo", req.MainBranchURL)

	// One attempt row, success, with the proposal URL.
	require.Len(t, f.store.attempts, 1)
	attempt := f.store.attempts[0]
	assert.Equal(t, "success", attempt.ResultCode)
	require.NotNil(t, attempt.MergeProposalURL)
	assert.Equal(t, "https://forge.example.com/mp/1", *attempt.MergeProposalURL)

	// Limiter incremented, shadow record created, one event per topic.
	assert.Equal(t, []string{"foo-maint@example.com"}, f.limiter.incs)
	info := f.store.proposals["https://forge.example.com/mp/1"]
	assert.Equal(t, model.ProposalOpen, info.Status)
	assert.Len(t, f.notifier.events[storage.ChannelPublish], 1)
	assert.Len(t, f.notifier.events[storage.ChannelMergeProposal], 1)
}

func TestProposeReusesOpenProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R3")
	pkg := testPackage("foo")
	f.store.openProposals["foo|lintian-fixes"] = "https://forge.example.com/mp/7"
	f.limiter.deny = true // must not matter: no creation happens

	f.worker.fn = func(req worker.Request) (worker.Result, error) {
		return worker.Result{
			Mode:        model.ModePropose,
			ProposalURL: req.ExistingProposalURL,
		}, nil
	}

	out, err := f.exec.publishRole(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "main", Mode: model.ModePropose,
	})
	require.NoError(t, err)
	assert.False(t, out.IsNew)
	require.Len(t, f.worker.requests, 1)
	assert.Equal(t, "https://forge.example.com/mp/7", f.worker.requests[0].ExistingProposalURL)
	assert.Empty(t, f.limiter.incs)
}

func TestRateLimitedProposeDowngradesToBuildOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.limiter.deny = true
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")

	res, err := f.exec.publishAndRecord(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "main", Mode: model.ModePropose, Requestor: "test",
	})
	require.NoError(t, err)
	require.Nil(t, res.Failure)
	assert.Equal(t, model.ModeBuildOnly, res.Outcome.Mode)
	assert.True(t, res.Outcome.RateLimited)

	// Recorded, but no worker call and no proposal.
	assert.Empty(t, f.worker.requests)
	require.Len(t, f.store.attempts, 1)
	assert.Equal(t, CodeRateLimited, f.store.attempts[0].ResultCode)
}

func TestAttemptPushReportsExecutedMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")
	f.worker.fn = func(req worker.Request) (worker.Result, error) {
		// Push was rejected; the worker fell back to a proposal.
		return worker.Result{
			Mode:        model.ModePropose,
			ProposalURL: "https://forge.example.com/mp/2",
			IsNew:       true,
		}, nil
	}

	res, err := f.exec.publishAndRecord(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "main", Mode: model.ModeAttemptPush, Requestor: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ModePropose, res.Outcome.Mode)
	require.Len(t, f.store.attempts, 1)
	assert.Equal(t, model.ModePropose, f.store.attempts[0].Mode)
	assert.Equal(t, []string{"foo-maint@example.com"}, f.limiter.incs)
}

func TestWorkerFailureBecomesRecordedAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")
	f.worker.fn = func(worker.Request) (worker.Result, error) {
		return worker.Result{}, &worker.Error{Code: CodeMergeConflict, Description: "conflict"}
	}

	res, err := f.exec.publishAndRecord(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "main", Mode: model.ModePush, Requestor: "test",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, CodeMergeConflict, res.Failure.Code)
	assert.True(t, res.Failure.Transient())

	require.Len(t, f.store.attempts, 1)
	assert.Equal(t, CodeMergeConflict, f.store.attempts[0].ResultCode)
	assert.Len(t, f.notifier.events[storage.ChannelPublish], 1)
}

func TestMissingRoleBranchFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")

	_, err := f.exec.publishRole(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "upstream", Mode: model.ModePush,
	})
	failure, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, CodeResultBranchNotFound, failure.Code)
}

func TestDerivedBranchNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")

	name, err := f.exec.derivedBranchName(ctx, run, pkg, "main")
	require.NoError(t, err)
	assert.Equal(t, "lintian-fixes", name)

	name, err = f.exec.derivedBranchName(ctx, run, pkg, "upstream")
	require.NoError(t, err)
	assert.Equal(t, "lintian-fixes/upstream", name)

	f.store.cotenants = true
	name, err = f.exec.derivedBranchName(ctx, run, pkg, "main")
	require.NoError(t, err)
	assert.Equal(t, "lintian-fixes/foo", name)
}

func TestStaleCommandReschedulesInsteadOfPublishing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")

	res, err := f.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
		Run: run, Package: pkg,
		Policy: model.PublishPolicy{
			Roles:   map[string]model.Mode{"main": model.ModePropose},
			Command: "lintian-brush --modern",
		},
		PushAllowed: true,
		Requestor:   "test",
	})
	require.NoError(t, err)
	assert.Empty(t, res.AttemptIDs)
	assert.Empty(t, f.worker.requests)

	require.Len(t, f.store.scheduled, 1)
	sched := f.store.scheduled[0]
	assert.Equal(t, "update-new-mp", sched.Bucket)
	assert.True(t, sched.Refresh)
}

func TestChangelogPolicyAffectsExpectedCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pkg := testPackage("foo")
	policy := model.PublishPolicy{
		Roles:           map[string]model.Mode{"main": model.ModePropose},
		Command:         "lintian-brush",
		UpdateChangelog: "leave",
	}

	// The run was built without the changelog flag the policy now
	// requires, so it is stale.
	stale := testRun("run-1", "foo", "lintian-fixes", "R2")
	res, err := f.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
		Run: stale, Package: pkg, Policy: policy,
		PushAllowed: true, Requestor: "test",
	})
	require.NoError(t, err)
	assert.Empty(t, res.AttemptIDs)
	assert.Empty(t, f.worker.requests)
	require.Len(t, f.store.scheduled, 1)
	assert.True(t, f.store.scheduled[0].Refresh)

	// A run built with the matching full command publishes normally.
	fresh := testRun("run-2", "foo", "lintian-fixes", "R3")
	fresh.Command = "lintian-brush --no-update-changelog"
	res, err = f.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
		Run: fresh, Package: pkg, Policy: policy,
		PushAllowed: true, Requestor: "test",
	})
	require.NoError(t, err)
	assert.Len(t, res.AttemptIDs, 1)
	require.Len(t, f.worker.requests, 1)
	assert.Equal(t, "lintian-brush --no-update-changelog", f.worker.requests[0].Command)
}

func TestAlreadyPublishedSkipsRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")
	policy := model.PublishPolicy{
		Roles:   map[string]model.Mode{"main": model.ModePush},
		Command: "lintian-brush",
	}

	opts := PolicyPublishOptions{
		Run: run, Package: pkg, Policy: policy, PushAllowed: true, Requestor: "test",
	}
	res, err := f.exec.PublishFromPolicy(ctx, opts)
	require.NoError(t, err)
	assert.True(t, res.PushedMainline)
	require.Len(t, f.worker.requests, 1)

	// Second pass without force is a no-op.
	res, err = f.exec.PublishFromPolicy(ctx, opts)
	require.NoError(t, err)
	assert.False(t, res.PushedMainline)
	assert.Len(t, f.worker.requests, 1)
	assert.Len(t, f.store.attempts, 1)

	// Force republishes.
	opts.Force = true
	_, err = f.exec.PublishFromPolicy(ctx, opts)
	require.NoError(t, err)
	assert.Len(t, f.worker.requests, 2)
}

func TestMissingControlBuildRequestsOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	run.MainBranchRevision = strp("base-R2")
	pkg := testPackage("foo")
	f.worker.fn = func(worker.Request) (worker.Result, error) {
		return worker.Result{}, &worker.Error{
			Code: CodeMissingBuildDiffCtrl, Description: "no control build",
		}
	}

	_, err := f.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
		Run: run, Package: pkg,
		Policy:      model.PublishPolicy{Roles: map[string]model.Mode{"main": model.ModePropose}},
		PushAllowed: true,
		Requestor:   "test",
	})
	require.NoError(t, err)
	require.Len(t, f.store.scheduled, 1)
	assert.Equal(t, "unchanged", f.store.scheduled[0].Suite)
	assert.Equal(t, "control", f.store.scheduled[0].Bucket)
}

func TestSlowStartLimiterWiredThroughExecutor(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	limiter := ratelimit.NewSlowStart(5)
	logger := testLogger()
	f.exec = NewExecutor(f.store, f.worker, limiter,
		NewTopics(f.notifier, logger), nil, logger, ExecutorConfig{})

	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	pkg := testPackage("foo")
	f.worker.fn = func(worker.Request) (worker.Result, error) {
		return worker.Result{Mode: model.ModePropose,
			ProposalURL: "https://forge.example.com/mp/9", IsNew: true}, nil
	}

	// Before the first reconciliation snapshot, creation is denied.
	out, err := f.exec.publishRole(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "main", Mode: model.ModePropose,
	})
	require.NoError(t, err)
	assert.True(t, out.RateLimited)

	limiter.SetProposalCounts(ratelimit.ProposalCounts{
		Open: map[string]int{}, Merged: map[string]int{},
	})
	out, err = f.exec.publishRole(ctx, RoleRequest{
		Run: run, Package: pkg, Role: "main", Mode: model.ModePropose,
	})
	require.NoError(t, err)
	assert.True(t, out.IsNew)

	// Allowance for a maintainer with no merges is one proposal.
	err = limiter.CheckAllowed(pkg.MaintainerEmail)
	var rl *ratelimit.RateLimitedError
	assert.True(t, errors.As(err, &rl))
}
