// Package publish contains the publish-decision engine: the executor
// and its mode state machine, the policy-driven publisher, the
// pending-publish scanner, the merge-proposal reconciliation loop and
// the periodic control loop that drives them.
package publish

import (
	"errors"
	"fmt"

	"github.com/tidybot/publisher/internal/model"
)

// Publish failure codes. These classify what went wrong with one
// publish action; the code decides whether the underlying build gets
// rescheduled (transient) or the failure waits for operator attention.
const (
	CodeDivergedBranches      = "diverged-branches"
	CodeHosterUnsupported     = "hoster-unsupported"
	CodeProjectNotFound       = "project-not-found"
	CodePermissionDenied      = "permission-denied"
	CodeMergeProposalExists   = "merge-proposal-exists"
	CodeMergeConflict         = "merge-conflict"
	CodeEmptyMergeProposal    = "empty-merge-proposal"
	CodeMissingBinaryDiff     = "missing-binary-diff"
	CodeMissingBuildDiffSelf  = "missing-build-diff-self"
	CodeMissingBuildDiffCtrl  = "missing-build-diff-control"
	CodeResultBranchNotFound  = "result-branch-not-found"
	CodeInvalidResponse       = "publisher-invalid-response"
	CodeRateLimited           = "rate-limited"
	CodeDifferUnreachable     = "differ-unreachable"
)

// Failure is a classified publish failure for one (run, role, mode)
// action. It never escapes the executor's callers unstored: every
// Failure becomes a PublishAttempt row plus a publish-topic event.
type Failure struct {
	Mode        model.Mode
	Code        string
	Description string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("publish: %s (%s): %s", f.Code, f.Mode, f.Description)
}

// Transient reports whether the code warrants an automatic rebuild.
// Permission and ownership codes are deliberately excluded; retrying
// those without operator action just burns hosting API quota.
func (f *Failure) Transient() bool {
	switch f.Code {
	case CodeMergeConflict, CodeDivergedBranches,
		CodeMissingBinaryDiff, CodeMissingBuildDiffSelf, CodeMissingBuildDiffCtrl:
		return true
	}
	return false
}

// ErrNoRunForProposal indicates a remote proposal with no local
// metadata: no publish attempt on record links it to a run. The
// proposal is skipped for the cycle, never closed.
var ErrNoRunForProposal = errors.New("publish: no local run for merge proposal")

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
