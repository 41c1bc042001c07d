package model

import "time"

// ProposalStatus is the last known status of a merge proposal.
//
// Open, closed and merged are observed from the hosting service.
// Applied and abandoned are local refinements: the bot closed the
// proposal itself because the changes landed independently (applied)
// or the target branch drifted (abandoned). A later "closed"
// observation from the hoster must not override either.
type ProposalStatus string

const (
	ProposalOpen      ProposalStatus = "open"
	ProposalClosed    ProposalStatus = "closed"
	ProposalMerged    ProposalStatus = "merged"
	ProposalApplied   ProposalStatus = "applied"
	ProposalAbandoned ProposalStatus = "abandoned"
)

// Local reports whether the status is a bot-side terminal
// classification rather than an observation from the hosting service.
func (s ProposalStatus) Local() bool {
	return s == ProposalApplied || s == ProposalAbandoned
}

// StatusReason records where a ProposalInfo status came from.
type StatusReason string

const (
	// ReasonObserved: the status mirrors what the hosting service reported.
	ReasonObserved StatusReason = "observed"
	// ReasonLocal: the bot classified the proposal itself (applied/abandoned).
	ReasonLocal StatusReason = "local"
)

// ProposalInfo is the bot's persisted shadow record for a remote merge
// proposal, keyed by the proposal URL.
type ProposalInfo struct {
	URL             string         `json:"url"`
	Status          ProposalStatus `json:"status"`
	Reason          StatusReason   `json:"reason"`
	Revision        *string        `json:"revision"`
	Package         *string        `json:"package"`
	MaintainerEmail *string        `json:"maintainer_email"`
	MergedBy        *string        `json:"merged_by,omitempty"`
	MergedAt        *time.Time     `json:"merged_at,omitempty"`
}
