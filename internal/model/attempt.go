package model

import (
	"time"

	"github.com/google/uuid"
)

// PublishAttempt is one append-only audit record of a publish action,
// successful or not. Never mutated. Attempt counts per revision drive
// the scanner's exponential backoff; (revision, mode) pairs answer
// "has this already been published".
type PublishAttempt struct {
	ID                 uuid.UUID `json:"id"`
	Package            string    `json:"package"`
	BranchName         *string   `json:"branch_name"`
	MainBranchRevision *string   `json:"main_branch_revision"`
	Revision           *string   `json:"revision"`
	Role               string    `json:"role"`
	Mode               Mode      `json:"mode"`
	ResultCode         string    `json:"result_code"`
	Description        string    `json:"description"`
	MergeProposalURL   *string   `json:"merge_proposal_url"`
	Requestor          string    `json:"requestor"`
	Timestamp          time.Time `json:"timestamp"`
}

// PublishEvent is the payload published on the "publish" topic for
// every publish attempt outcome.
type PublishEvent struct {
	ID            uuid.UUID      `json:"id"`
	Package       string         `json:"package"`
	Suite         string         `json:"suite"`
	ProposalURL   *string        `json:"proposal_url"`
	Mode          Mode           `json:"mode"`
	Role          string         `json:"role"`
	MainBranchURL string         `json:"main_branch_url"`
	BranchName    *string        `json:"branch_name"`
	ResultCode    string         `json:"result_code"`
	Description   string         `json:"description"`
	Result        map[string]any `json:"result"`
	RunID         string         `json:"run_id"`
	PublishDelay  *float64       `json:"publish_delay"` // seconds, nil on failure
}

// ProposalEvent is the payload published on the "merge-proposal" topic
// for every proposal creation or status transition.
type ProposalEvent struct {
	URL      string         `json:"url"`
	Status   ProposalStatus `json:"status"`
	Package  *string        `json:"package"`
	MergedBy *string        `json:"merged_by,omitempty"`
	MergedAt *time.Time     `json:"merged_at,omitempty"`
}
