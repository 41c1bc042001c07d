package model

import (
	"fmt"
	"time"
)

// Well-known run result codes. Anything else is a failure kind produced
// by the build pipeline's log classifier.
const (
	ResultSuccess        = "success"
	ResultNothingToDo    = "nothing-to-do"
	ResultNothingNewToDo = "nothing-new-to-do"
)

// ResultBranch is one branch produced by a run, identified by its role
// (e.g. "main", "upstream"). Each role is published independently.
type ResultBranch struct {
	Role         string  `json:"role"`
	RemoteName   *string `json:"remote_name"`
	BaseRevision *string `json:"base_revision"`
	Revision     *string `json:"revision"`
}

// ResultTag is a VCS tag produced by a run.
type ResultTag struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
}

// Run is an immutable record of one automated attempt to change a
// package for a suite. Runs are created by the build pipeline; the
// publisher only reads them.
type Run struct {
	ID                 string         `json:"id"`
	Package            string         `json:"package"`
	Suite              string         `json:"suite"`
	Command            string         `json:"command"`
	ResultCode         string         `json:"result_code"`
	Description        string         `json:"description"`
	Result             map[string]any `json:"result"`
	Revision           *string        `json:"revision"`
	MainBranchRevision *string        `json:"main_branch_revision"`
	BranchURL          string         `json:"branch_url"`
	BranchName         string         `json:"branch_name"`
	ResultBranches     []ResultBranch `json:"result_branches"`
	ResultTags         []ResultTag    `json:"result_tags"`
	StartTime          time.Time      `json:"start_time"`
	FinishTime         time.Time      `json:"finish_time"`
}

// ResultBranch returns the branch for the given role.
func (r *Run) ResultBranch(role string) (ResultBranch, error) {
	for _, b := range r.ResultBranches {
		if b.Role == role {
			return b, nil
		}
	}
	return ResultBranch{}, fmt.Errorf("model: run %s has no result branch for role %q", r.ID, role)
}

// Package is a source package tracked by the bot. Mutated externally;
// read-only here.
type Package struct {
	Name            string   `json:"name"`
	MaintainerEmail string   `json:"maintainer_email"`
	UploaderEmails  []string `json:"uploader_emails"`
	BranchURL       string   `json:"branch_url"`
	Removed         bool     `json:"removed"`
}

// PublishPolicy is the per-(package, suite) publishing configuration:
// the mode each role should be published under, the changelog-update
// policy the build was expected to follow, and the expected command.
// A run whose recorded command differs from Command is stale.
type PublishPolicy struct {
	Roles           map[string]Mode `json:"roles"`
	UpdateChangelog string          `json:"update_changelog"`
	Command         string          `json:"command"`
}

// ExpectedCommand is the command a conforming run should have been
// built with: the policy command plus the flag the changelog policy
// implies. "auto" and unknown policies add nothing.
func (p PublishPolicy) ExpectedCommand() string {
	if p.Command == "" {
		return ""
	}
	switch p.UpdateChangelog {
	case "update":
		return p.Command + " --update-changelog"
	case "leave":
		return p.Command + " --no-update-changelog"
	default:
		return p.Command
	}
}
