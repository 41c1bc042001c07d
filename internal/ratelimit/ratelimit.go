// Package ratelimit decides whether a maintainer may have one more
// merge proposal opened on their packages.
//
// Limiter state is rebuilt from a fresh snapshot on every
// reconciliation cycle and is never persisted: a freshly started
// process denies proposal creation until its first full scan has
// populated the counts.
package ratelimit

import "fmt"

// ProposalCounts is a per-cycle snapshot of proposal counts per
// maintainer email, computed by the reconciliation loop.
type ProposalCounts struct {
	Open   map[string]int
	Merged map[string]int
}

// RateLimitedError is returned by CheckAllowed when a maintainer has
// reached their allowance.
type RateLimitedError struct {
	MaintainerEmail string
	Reason          string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s: %s", e.MaintainerEmail, e.Reason)
}

// Limiter is the admission-control policy for proposal creation.
// Implementations are driven from a single goroutine per cycle and the
// HTTP surface; they must be safe for concurrent use.
type Limiter interface {
	// CheckAllowed returns a *RateLimitedError when the maintainer may
	// not have another proposal opened, nil when they may.
	CheckAllowed(maintainerEmail string) error

	// Inc records a newly opened proposal for the maintainer.
	Inc(maintainerEmail string)

	// SetProposalCounts replaces the limiter's view of open/merged
	// proposal counts with a fresh snapshot.
	SetProposalCounts(counts ProposalCounts)
}

// Noop allows everything. Used when rate limiting is disabled.
type Noop struct{}

func (Noop) CheckAllowed(string) error          { return nil }
func (Noop) Inc(string)                         {}
func (Noop) SetProposalCounts(ProposalCounts)   {}
