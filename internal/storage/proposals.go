package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tidybot/publisher/internal/model"
)

// GetProposalInfo fetches the bot's shadow record for a proposal URL.
func (db *DB) GetProposalInfo(ctx context.Context, url string) (model.ProposalInfo, error) {
	var info model.ProposalInfo
	err := db.pool.QueryRow(ctx,
		`SELECT url, status, status_reason, revision, package,
		        maintainer_email, merged_by, merged_at
		 FROM merge_proposal WHERE url = $1`, url,
	).Scan(
		&info.URL, &info.Status, &info.Reason, &info.Revision,
		&info.Package, &info.MaintainerEmail, &info.MergedBy, &info.MergedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProposalInfo{}, ErrNotFound
		}
		return model.ProposalInfo{}, fmt.Errorf("storage: get proposal info: %w", err)
	}
	return info, nil
}

// SetProposalInfo upserts the shadow record for a proposal.
func (db *DB) SetProposalInfo(ctx context.Context, info model.ProposalInfo) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO merge_proposal
		   (url, status, status_reason, revision, package,
		    maintainer_email, merged_by, merged_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (url) DO UPDATE SET
		   status = EXCLUDED.status,
		   status_reason = EXCLUDED.status_reason,
		   revision = EXCLUDED.revision,
		   package = COALESCE(EXCLUDED.package, merge_proposal.package),
		   maintainer_email = COALESCE(EXCLUDED.maintainer_email, merge_proposal.maintainer_email),
		   merged_by = COALESCE(EXCLUDED.merged_by, merge_proposal.merged_by),
		   merged_at = COALESCE(EXCLUDED.merged_at, merge_proposal.merged_at)`,
		info.URL, info.Status, info.Reason, info.Revision, info.Package,
		info.MaintainerEmail, info.MergedBy, info.MergedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: set proposal info: %w", err)
	}
	return nil
}

// GetOpenProposalURL returns the URL of the open proposal for
// (package, branch name), if one is on record. This is the
// look-up-before-create guard; it is check-then-act, not atomic.
func (db *DB) GetOpenProposalURL(ctx context.Context, pkg, branchName string) (string, error) {
	var url string
	err := db.pool.QueryRow(ctx,
		`SELECT mp.url FROM merge_proposal mp
		 JOIN publish p ON p.merge_proposal_url = mp.url
		 WHERE mp.status = 'open' AND p.package = $1 AND p.branch_name = $2
		 ORDER BY p.timestamp DESC LIMIT 1`, pkg, branchName,
	).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: open proposal lookup: %w", err)
	}
	return url, nil
}

// ProposalRun is the local anchor for a remote proposal: the run the
// proposal was created from and the branch role it published.
type ProposalRun struct {
	Run    model.Run
	Branch model.ResultBranch
}

// GetProposalRun finds the run and branch role behind a proposal URL,
// via the most recent successful publish attempt that recorded it.
func (db *DB) GetProposalRun(ctx context.Context, url string) (ProposalRun, error) {
	var pr ProposalRun
	row := db.pool.QueryRow(ctx,
		`SELECT `+prefixed(runColumns, "run.")+`,
		        rb.role, rb.remote_name, rb.base_revision, rb.revision
		 FROM publish p
		 JOIN run ON run.package = p.package
		 JOIN run_branch rb ON rb.run_id = run.id
		   AND rb.role = p.role AND rb.revision = p.revision
		 WHERE p.merge_proposal_url = $1
		 ORDER BY p.timestamp DESC LIMIT 1`, url)
	err := row.Scan(
		&pr.Run.ID, &pr.Run.Package, &pr.Run.Suite, &pr.Run.Command,
		&pr.Run.ResultCode, &pr.Run.Description, &pr.Run.Result,
		&pr.Run.Revision, &pr.Run.MainBranchRevision, &pr.Run.BranchURL,
		&pr.Run.BranchName, &pr.Run.ResultTags, &pr.Run.StartTime,
		&pr.Run.FinishTime,
		&pr.Branch.Role, &pr.Branch.RemoteName, &pr.Branch.BaseRevision,
		&pr.Branch.Revision,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProposalRun{}, ErrNotFound
		}
		return ProposalRun{}, fmt.Errorf("storage: proposal run: %w", err)
	}
	if err := db.loadResultBranches(ctx, &pr.Run); err != nil {
		return ProposalRun{}, err
	}
	return pr, nil
}
