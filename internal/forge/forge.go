// Package forge defines the publisher's view of code hosting services
// (GitLab, GitHub, Launchpad instances and the like).
//
// The publisher never talks VCS or hosting protocols itself; it drives
// these interfaces. The in-tree implementation (Gateway) speaks to a
// forge gateway service over HTTP, keeping credentials and protocol
// details out of this process.
package forge

import (
	"context"
	"errors"
	"time"

	"github.com/tidybot/publisher/internal/model"
)

var (
	// ErrUnsupportedForge indicates no configured forge can handle the URL.
	ErrUnsupportedForge = errors.New("forge: unsupported hosting service")
	// ErrPermissionDenied indicates the bot lacks rights for the operation.
	ErrPermissionDenied = errors.New("forge: permission denied")
	// ErrMergeabilityUnknown indicates the forge cannot report whether a
	// proposal can be merged cleanly.
	ErrMergeabilityUnknown = errors.New("forge: mergeability not supported")
)

// MergeProposal is one remote code-review request.
type MergeProposal interface {
	URL() string
	Status(ctx context.Context) (model.ProposalStatus, error)
	SourceBranchURL(ctx context.Context) (string, error)
	TargetBranchURL(ctx context.Context) (string, error)
	// SourceRevision returns the tip revision of the source branch, or
	// "" when the forge does not expose it.
	SourceRevision(ctx context.Context) (string, error)
	// CanBeMerged reports the forge's mergeability flag. Returns
	// ErrMergeabilityUnknown when the forge has no such concept.
	CanBeMerged(ctx context.Context) (bool, error)
	PostComment(ctx context.Context, body string) error
	Close(ctx context.Context) error
	MergedBy(ctx context.Context) (string, error)
	MergedAt(ctx context.Context) (time.Time, error)
}

// ProposalEntry pairs a proposal with its status as observed during
// enumeration, so the reconciler does not re-fetch it per proposal.
type ProposalEntry struct {
	Proposal MergeProposal
	Status   model.ProposalStatus
}

// Identity describes one configured hosting account, for the
// credentials introspection endpoint.
type Identity struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	User    string `json:"user,omitempty"`
	UserURL string `json:"user_url,omitempty"`
}

// Client enumerates and resolves merge proposals across all hosting
// accounts the bot is configured with.
type Client interface {
	// ListProposals yields every proposal owned by the bot, across all
	// configured accounts, with a freshly observed status.
	ListProposals(ctx context.Context) ([]ProposalEntry, error)

	// GetProposal resolves a proposal by URL. Returns
	// ErrUnsupportedForge when no configured account can handle it.
	GetProposal(ctx context.Context, url string) (MergeProposal, error)

	// Identities lists the configured hosting accounts.
	Identities(ctx context.Context) ([]Identity, error)
}
