package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/storage"
	"github.com/tidybot/publisher/internal/worker"
)

// reconcileFixture wires a reconciler over the shared fakes with one
// anchored open proposal for package foo.
type reconcileFixture struct {
	*fixture
	forge      *fakeForge
	reconciler *Reconciler
	proposal   *fakeProposal
	anchorRun  model.Run
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	f := newFixture()
	rf := &reconcileFixture{fixture: f, forge: &fakeForge{}}
	rf.reconciler = NewReconciler(f.exec, rf.forge, ReconcilerConfig{}, testLogger())

	pkg := testPackage("foo")
	f.store.packages["foo"] = pkg
	f.store.pkgByURL["https://example.com/foo"] = pkg

	rf.anchorRun = testRun("run-1", "foo", "lintian-fixes", "R1")
	f.store.runs["run-1"] = rf.anchorRun
	f.store.lastEffective["foo/lintian-fixes"] = rf.anchorRun

	mergeable := true
	rf.proposal = &fakeProposal{
		url:            "https://forge.example.com/mp/1",
		status:         model.ProposalOpen,
		sourceURL:      "https://forge.example.com/bot/foo,branch=lintian-fixes",
		targetURL:      "https://example.com/foo",
		sourceRevision: "R1",
		canBeMerged:    &mergeable,
	}
	rf.forge.entries = []forge.ProposalEntry{
		{Proposal: rf.proposal, Status: model.ProposalOpen},
	}
	branch := rf.anchorRun.ResultBranches[0]
	f.store.proposalRuns[rf.proposal.url] = storage.ProposalRun{
		Run: rf.anchorRun, Branch: branch,
	}
	return rf
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)

	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.False(t, modified)

	modified, _, err = rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.False(t, modified)

	assert.Empty(t, rf.store.attempts)
	assert.False(t, rf.proposal.closed)
	assert.Empty(t, rf.worker.requests)
}

func TestReconcileNothingToDoClosesApplied(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultCode = model.ResultNothingToDo
	rf.store.lastEffective["foo/lintian-fixes"] = last

	modified, info, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.True(t, rf.proposal.closed)
	assert.Len(t, rf.proposal.comments, 1)
	assert.Equal(t, model.ProposalApplied, info.Status)
	assert.Equal(t, model.ReasonLocal, info.Reason)
	assert.Equal(t, model.ProposalApplied, rf.store.proposals[rf.proposal.url].Status)
}

func TestReconcileAppliedSurvivesObservedClosed(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	pkgName := "foo"
	rf.store.proposals[rf.proposal.url] = model.ProposalInfo{
		URL:     rf.proposal.url,
		Status:  model.ProposalApplied,
		Reason:  model.ReasonLocal,
		Package: &pkgName,
	}
	rf.proposal.status = model.ProposalClosed

	modified, info, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalClosed, false)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, model.ProposalApplied, info.Status)
	assert.Equal(t, model.ProposalApplied, rf.store.proposals[rf.proposal.url].Status)
}

func TestReconcileBranchDriftAbandons(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultBranches = []model.ResultBranch{
		{Role: "main", RemoteName: strp("debian/sid"), Revision: strp("R2")},
	}
	rf.store.lastEffective["foo/lintian-fixes"] = last

	modified, info, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.True(t, rf.proposal.closed)
	assert.Equal(t, model.ProposalAbandoned, info.Status)
	assert.Equal(t, model.ProposalAbandoned, rf.store.proposals[rf.proposal.url].Status)
	// No diff republish was attempted against the stale target.
	assert.Empty(t, rf.worker.requests)
}

func TestReconcileRenamedCampaignBranchStillRepublishes(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.BranchName = "lintian-fixes-v2"
	last.ResultBranches = []model.ResultBranch{
		{Role: "main", RemoteName: strp("main"), BaseRevision: strp("base-R2"), Revision: strp("R2")},
	}
	rf.store.lastEffective["foo/lintian-fixes"] = last
	rf.worker.fn = func(req worker.Request) (worker.Result, error) {
		return worker.Result{Mode: model.ModePropose, ProposalURL: req.ExistingProposalURL}, nil
	}

	// The target remote branch is unchanged, so the proposal stays open
	// and gets the newer diff.
	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.False(t, rf.proposal.closed)
	require.Len(t, rf.worker.requests, 1)
	assert.Equal(t, rf.proposal.url, rf.worker.requests[0].ExistingProposalURL)
}

func TestReconcileRepublishesNewerRun(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultBranches = []model.ResultBranch{
		{Role: "main", RemoteName: strp("main"), BaseRevision: strp("base-R2"), Revision: strp("R2")},
	}
	rf.store.lastEffective["foo/lintian-fixes"] = last
	rf.worker.fn = func(req worker.Request) (worker.Result, error) {
		return worker.Result{Mode: model.ModePropose, ProposalURL: req.ExistingProposalURL}, nil
	}

	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.True(t, modified)
	require.Len(t, rf.worker.requests, 1)
	assert.Equal(t, rf.proposal.url, rf.worker.requests[0].ExistingProposalURL)
	assert.Equal(t, "R2", rf.worker.requests[0].Revision)
	require.Len(t, rf.store.attempts, 1)
	assert.Equal(t, "success", rf.store.attempts[0].ResultCode)
}

func TestReconcileEmptyUpdateClosesApplied(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultBranches = []model.ResultBranch{
		{Role: "main", RemoteName: strp("main"), Revision: strp("R2")},
	}
	rf.store.lastEffective["foo/lintian-fixes"] = last
	rf.worker.fn = func(worker.Request) (worker.Result, error) {
		return worker.Result{}, &worker.Error{
			Code: CodeEmptyMergeProposal, Description: "no changes left",
		}
	}

	modified, info, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.True(t, rf.proposal.closed)
	assert.Equal(t, model.ProposalApplied, info.Status)
	// The failed attempt is still on record.
	require.Len(t, rf.store.attempts, 1)
	assert.Equal(t, CodeEmptyMergeProposal, rf.store.attempts[0].ResultCode)
}

func TestReconcileTransientFailureReschedules(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultCode = "worker-failure"
	last.FinishTime = time.Now().Add(-time.Hour)
	rf.store.lastEffective["foo/lintian-fixes"] = last

	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.False(t, modified)
	require.Len(t, rf.store.scheduled, 1)
	assert.Equal(t, "update-existing-mp", rf.store.scheduled[0].Bucket)
}

func TestReconcileOldFailureReschedulesRegardless(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultCode = "build-failed"
	last.FinishTime = time.Now().Add(-40 * 24 * time.Hour)
	rf.store.lastEffective["foo/lintian-fixes"] = last

	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.False(t, modified)
	require.Len(t, rf.store.scheduled, 1)

	// A recent non-transient failure does not reschedule.
	rf.store.scheduled = nil
	last.FinishTime = time.Now().Add(-time.Hour)
	rf.store.lastEffective["foo/lintian-fixes"] = last
	_, _, err = rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.Empty(t, rf.store.scheduled)
}

func TestReconcileRemovedPackageCloses(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	pkg := rf.store.packages["foo"]
	pkg.Removed = true
	rf.store.packages["foo"] = pkg

	modified, info, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.True(t, rf.proposal.closed)
	assert.Equal(t, model.ProposalAbandoned, info.Status)
}

func TestReconcileUnmergeableReschedulesWithRefresh(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	unmergeable := false
	rf.proposal.canBeMerged = &unmergeable

	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	require.NoError(t, err)
	assert.False(t, modified)
	require.Len(t, rf.store.scheduled, 1)
	assert.True(t, rf.store.scheduled[0].Refresh)
	assert.Equal(t, "update-existing-mp", rf.store.scheduled[0].Bucket)
}

func TestReconcileNoLocalMetadata(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	delete(rf.store.proposalRuns, rf.proposal.url)

	modified, _, err := rf.reconciler.checkProposal(ctx, rf.proposal, model.ProposalOpen, false)
	assert.ErrorIs(t, err, ErrNoRunForProposal)
	assert.False(t, modified)
	assert.False(t, rf.proposal.closed)
}

func TestCheckExistingFeedsLimiterAndHonorsModifyBudget(t *testing.T) {
	ctx := context.Background()
	rf := newReconcileFixture(t)
	rf.reconciler.cfg.ModifyLimit = 1

	// Two more proposals that would each be closed (nothing-to-do), plus
	// a merged one for the histogram.
	last := rf.anchorRun
	last.ID = "run-2"
	last.ResultCode = model.ResultNothingToDo
	rf.store.lastEffective["foo/lintian-fixes"] = last

	second := &fakeProposal{
		url:            "https://forge.example.com/mp/2",
		status:         model.ProposalOpen,
		sourceURL:      "https://forge.example.com/bot/foo,branch=lintian-fixes",
		targetURL:      "https://example.com/foo",
		sourceRevision: "R1",
	}
	rf.store.proposalRuns[second.url] = rf.store.proposalRuns[rf.proposal.url]

	maint := "bar-maint@example.com"
	merged := &fakeProposal{
		url:    "https://forge.example.com/mp/3",
		status: model.ProposalMerged,
	}
	rf.store.proposals[merged.url] = model.ProposalInfo{
		URL: merged.url, Status: model.ProposalMerged,
		Reason: model.ReasonObserved, MaintainerEmail: &maint, Package: strp("bar"),
	}

	rf.forge.entries = []forge.ProposalEntry{
		{Proposal: rf.proposal, Status: model.ProposalOpen},
		{Proposal: second, Status: model.ProposalOpen},
		{Proposal: merged, Status: model.ProposalMerged},
	}

	require.NoError(t, rf.reconciler.CheckExisting(ctx))

	// Budget of one: only the first proposal got closed.
	assert.True(t, rf.proposal.closed)
	assert.False(t, second.closed)

	require.NotNil(t, rf.limiter.counts)
	assert.Equal(t, 1, rf.limiter.counts.Merged[maint])
}
