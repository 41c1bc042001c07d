package ratelimit

import (
	"fmt"
	"sync"
)

// FixedCap denies proposal creation once a maintainer has more than
// max proposals open. Until the first snapshot arrives it denies
// everything: better to stall creation briefly after a restart than to
// risk runaway proposal creation with no counts loaded.
type FixedCap struct {
	max int

	mu   sync.Mutex
	open map[string]int
}

// NewFixedCap creates a limiter with an absolute per-maintainer cap.
func NewFixedCap(max int) *FixedCap {
	return &FixedCap{max: max}
}

func (l *FixedCap) CheckAllowed(email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		return &RateLimitedError{
			MaintainerEmail: email,
			Reason:          "open proposals per maintainer not yet determined",
		}
	}
	if current := l.open[email]; current > l.max {
		return &RateLimitedError{
			MaintainerEmail: email,
			Reason: fmt.Sprintf("already has %d merge proposals open (max: %d)",
				current, l.max),
		}
	}
	return nil
}

func (l *FixedCap) Inc(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		return
	}
	l.open[email]++
}

func (l *FixedCap) SetProposalCounts(counts ProposalCounts) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = counts.Open
}

// SlowStart grows each maintainer's allowance with their track record:
// a maintainer with n merged proposals may have n+1 open concurrently,
// capped at the absolute max when one is configured. New maintainers
// therefore get exactly one proposal until it is merged.
type SlowStart struct {
	max int // 0 = no absolute cap

	mu     sync.Mutex
	open   map[string]int
	merged map[string]int
}

// NewSlowStart creates a slow-start limiter. max <= 0 disables the
// absolute cap.
func NewSlowStart(max int) *SlowStart {
	return &SlowStart{max: max}
}

func (l *SlowStart) CheckAllowed(email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil || l.merged == nil {
		return &RateLimitedError{
			MaintainerEmail: email,
			Reason:          "open proposals per maintainer not yet determined",
		}
	}
	current := l.open[email]
	if l.max > 0 && current >= l.max {
		return &RateLimitedError{
			MaintainerEmail: email,
			Reason: fmt.Sprintf("already has %d merge proposals open (absmax: %d)",
				current, l.max),
		}
	}
	allowance := l.merged[email] + 1
	if l.max > 0 && allowance > l.max {
		allowance = l.max
	}
	if current >= allowance {
		return &RateLimitedError{
			MaintainerEmail: email,
			Reason: fmt.Sprintf("has %d merge proposals open (current cap: %d)",
				current, allowance),
		}
	}
	return nil
}

func (l *SlowStart) Inc(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		return
	}
	l.open[email]++
}

func (l *SlowStart) SetProposalCounts(counts ProposalCounts) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = counts.Open
	l.merged = counts.Merged
}
