package storage

import (
	"context"
	"fmt"

	"github.com/tidybot/publisher/internal/model"
)

// StorePublish appends one publish attempt to the audit log.
func (db *DB) StorePublish(ctx context.Context, a model.PublishAttempt) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO publish
		   (id, package, branch_name, main_branch_revision, revision,
		    role, mode, result_code, description, merge_proposal_url,
		    requestor, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Package, a.BranchName, a.MainBranchRevision, a.Revision,
		a.Role, a.Mode, a.ResultCode, a.Description, a.MergeProposalURL,
		a.Requestor, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: store publish: %w", err)
	}
	return nil
}

// AlreadyPublished reports whether this exact revision has already been
// successfully published for (package, branch name) in the given mode.
func (db *DB) AlreadyPublished(ctx context.Context, pkg, branchName, revision string, mode model.Mode) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM publish
		   WHERE package = $1 AND branch_name = $2 AND revision = $3
		     AND mode = $4 AND result_code = 'success'
		 )`, pkg, branchName, revision, mode,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: already published: %w", err)
	}
	return exists, nil
}

// GetPublishAttemptCount counts failed attempts against a revision,
// excluding benign codes that should not feed the backoff window.
func (db *DB) GetPublishAttemptCount(ctx context.Context, revision string, excludeCodes []string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM publish
		 WHERE revision = $1 AND result_code <> 'success'
		   AND NOT (result_code = ANY($2))`,
		revision, excludeCodes,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: publish attempt count: %w", err)
	}
	return count, nil
}
