package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/ratelimit"
	"github.com/tidybot/publisher/internal/storage"
	"github.com/tidybot/publisher/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func strp(s string) *string { return &s }

// fakeStore is an in-memory Store.
type fakeStore struct {
	runs          map[string]model.Run
	lastEffective map[string]model.Run // package + "/" + suite
	unchangedRuns map[string]model.Run // package + "@" + revision
	byMainRev     map[string][]model.Run
	packages      map[string]model.Package
	pkgByURL      map[string]model.Package
	pkgByRevision map[string]model.Package
	cotenants     bool
	proposals     map[string]model.ProposalInfo
	openProposals map[string]string // package + "|" + branch → url
	proposalRuns  map[string]storage.ProposalRun
	attempts      []model.PublishAttempt
	policies      map[string]model.PublishPolicy // package + "/" + suite
	ready         []storage.PublishReadyRun
	scheduled     []storage.ScheduleRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:          map[string]model.Run{},
		lastEffective: map[string]model.Run{},
		unchangedRuns: map[string]model.Run{},
		byMainRev:     map[string][]model.Run{},
		packages:      map[string]model.Package{},
		pkgByURL:      map[string]model.Package{},
		pkgByRevision: map[string]model.Package{},
		proposals:     map[string]model.ProposalInfo{},
		openProposals: map[string]string{},
		proposalRuns:  map[string]storage.ProposalRun{},
		policies:      map[string]model.PublishPolicy{},
	}
}

func (s *fakeStore) GetRun(_ context.Context, id string) (model.Run, error) {
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *fakeStore) GetLastEffectiveRun(_ context.Context, pkg, suite string) (model.Run, error) {
	run, ok := s.lastEffective[pkg+"/"+suite]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *fakeStore) GetUnchangedRun(_ context.Context, pkg, rev string) (model.Run, error) {
	run, ok := s.unchangedRuns[pkg+"@"+rev]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *fakeStore) IterRunsByMainBranchRevision(_ context.Context, rev string) ([]model.Run, error) {
	return s.byMainRev[rev], nil
}

func (s *fakeStore) GetPackage(_ context.Context, name string) (model.Package, error) {
	pkg, ok := s.packages[name]
	if !ok {
		return model.Package{}, storage.ErrNotFound
	}
	return pkg, nil
}

func (s *fakeStore) GetPackageByBranchURL(_ context.Context, url string) (model.Package, error) {
	base, _ := forge.SplitBranchParams(url)
	pkg, ok := s.pkgByURL[base]
	if !ok {
		return model.Package{}, storage.ErrNotFound
	}
	return pkg, nil
}

func (s *fakeStore) GuessPackageFromRevision(_ context.Context, rev string) (model.Package, error) {
	pkg, ok := s.pkgByRevision[rev]
	if !ok {
		return model.Package{}, storage.ErrNotFound
	}
	return pkg, nil
}

func (s *fakeStore) HasCotenants(context.Context, string, string) (bool, error) {
	return s.cotenants, nil
}

func (s *fakeStore) GetProposalInfo(_ context.Context, url string) (model.ProposalInfo, error) {
	info, ok := s.proposals[url]
	if !ok {
		return model.ProposalInfo{}, storage.ErrNotFound
	}
	return info, nil
}

func (s *fakeStore) SetProposalInfo(_ context.Context, info model.ProposalInfo) error {
	s.proposals[info.URL] = info
	return nil
}

func (s *fakeStore) GetOpenProposalURL(_ context.Context, pkg, branch string) (string, error) {
	url, ok := s.openProposals[pkg+"|"+branch]
	if !ok {
		return "", storage.ErrNotFound
	}
	return url, nil
}

func (s *fakeStore) GetProposalRun(_ context.Context, url string) (storage.ProposalRun, error) {
	pr, ok := s.proposalRuns[url]
	if !ok {
		return storage.ProposalRun{}, storage.ErrNotFound
	}
	return pr, nil
}

func (s *fakeStore) StorePublish(_ context.Context, a model.PublishAttempt) error {
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *fakeStore) AlreadyPublished(_ context.Context, pkg, branch, rev string, mode model.Mode) (bool, error) {
	for _, a := range s.attempts {
		if a.Package == pkg && a.ResultCode == "success" && a.Mode == mode &&
			a.BranchName != nil && *a.BranchName == branch &&
			a.Revision != nil && *a.Revision == rev {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetPublishAttemptCount(_ context.Context, rev string, exclude []string) (int, error) {
	excluded := map[string]bool{}
	for _, code := range exclude {
		excluded[code] = true
	}
	count := 0
	for _, a := range s.attempts {
		if a.Revision != nil && *a.Revision == rev &&
			a.ResultCode != "success" && !excluded[a.ResultCode] {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) GetPublishPolicy(_ context.Context, pkg, suite string) (model.PublishPolicy, error) {
	policy, ok := s.policies[pkg+"/"+suite]
	if !ok {
		return model.PublishPolicy{}, storage.ErrNotFound
	}
	return policy, nil
}

func (s *fakeStore) IterPublishReady(context.Context, []string) ([]storage.PublishReadyRun, error) {
	return s.ready, nil
}

func (s *fakeStore) ScheduleBuild(_ context.Context, req storage.ScheduleRequest) error {
	s.scheduled = append(s.scheduled, req)
	return nil
}

// fakeWorker records requests and answers via fn.
type fakeWorker struct {
	fn       func(worker.Request) (worker.Result, error)
	requests []worker.Request
}

func (w *fakeWorker) Publish(_ context.Context, req worker.Request) (worker.Result, error) {
	w.requests = append(w.requests, req)
	if w.fn == nil {
		return worker.Result{Mode: req.Mode}, nil
	}
	return w.fn(req)
}

// fakeNotifier records topic payloads per channel.
type fakeNotifier struct {
	events map[string][]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: map[string][]string{}}
}

func (n *fakeNotifier) Notify(_ context.Context, channel, payload string) error {
	n.events[channel] = append(n.events[channel], payload)
	return nil
}

func (n *fakeNotifier) HasNotifyConn() bool { return true }

// fakeLimiter records interactions.
type fakeLimiter struct {
	deny   bool
	incs   []string
	counts *ratelimit.ProposalCounts
}

func (l *fakeLimiter) CheckAllowed(email string) error {
	if l.deny {
		return &ratelimit.RateLimitedError{MaintainerEmail: email, Reason: "denied"}
	}
	return nil
}

func (l *fakeLimiter) Inc(email string) { l.incs = append(l.incs, email) }

func (l *fakeLimiter) SetProposalCounts(counts ratelimit.ProposalCounts) {
	l.counts = &counts
}

// fakeProposal is a scripted forge.MergeProposal.
type fakeProposal struct {
	url            string
	status         model.ProposalStatus
	sourceURL      string
	targetURL      string
	sourceRevision string
	canBeMerged    *bool
	mergedBy       string
	mergedAt       time.Time

	comments []string
	closed   bool
}

func (p *fakeProposal) URL() string { return p.url }

func (p *fakeProposal) Status(context.Context) (model.ProposalStatus, error) {
	return p.status, nil
}

func (p *fakeProposal) SourceBranchURL(context.Context) (string, error) {
	return p.sourceURL, nil
}

func (p *fakeProposal) TargetBranchURL(context.Context) (string, error) {
	return p.targetURL, nil
}

func (p *fakeProposal) SourceRevision(context.Context) (string, error) {
	return p.sourceRevision, nil
}

func (p *fakeProposal) CanBeMerged(context.Context) (bool, error) {
	if p.canBeMerged == nil {
		return false, forge.ErrMergeabilityUnknown
	}
	return *p.canBeMerged, nil
}

func (p *fakeProposal) PostComment(_ context.Context, body string) error {
	p.comments = append(p.comments, body)
	return nil
}

func (p *fakeProposal) Close(context.Context) error {
	p.closed = true
	p.status = model.ProposalClosed
	return nil
}

func (p *fakeProposal) MergedBy(context.Context) (string, error) {
	return p.mergedBy, nil
}

func (p *fakeProposal) MergedAt(context.Context) (time.Time, error) {
	return p.mergedAt, nil
}

// fakeForge serves scripted proposals.
type fakeForge struct {
	entries []forge.ProposalEntry
}

func (f *fakeForge) ListProposals(context.Context) ([]forge.ProposalEntry, error) {
	return f.entries, nil
}

func (f *fakeForge) GetProposal(_ context.Context, url string) (forge.MergeProposal, error) {
	for _, e := range f.entries {
		if e.Proposal.URL() == url {
			return e.Proposal, nil
		}
	}
	return nil, forge.ErrUnsupportedForge
}

func (f *fakeForge) Identities(context.Context) ([]forge.Identity, error) {
	return nil, nil
}
