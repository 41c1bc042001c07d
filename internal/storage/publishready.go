package storage

import (
	"context"
	"fmt"

	"github.com/tidybot/publisher/internal/model"
)

// PublishReadyRun is a run eligible for the pending-publish scanner:
// the newest run per (package, suite) that succeeded, passed the
// review filter, and belongs to a package still in the archive.
type PublishReadyRun struct {
	Run             model.Run
	MaintainerEmail string
	UploaderEmails  []string
}

// IterPublishReady enumerates publish-ready runs. reviewStatus filters
// on the run's review state ("approved", "unreviewed").
func (db *DB) IterPublishReady(ctx context.Context, reviewStatus []string) ([]PublishReadyRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (run.package, run.suite)
		   `+prefixed(runColumns, "run.")+`,
		   package.maintainer_email, package.uploader_emails
		 FROM run
		 JOIN package ON package.name = run.package
		 WHERE NOT package.removed
		   AND run.result_code = 'success'
		   AND run.review_status = ANY($1)
		 ORDER BY run.package, run.suite, run.start_time DESC`,
		reviewStatus)
	if err != nil {
		return nil, fmt.Errorf("storage: iter publish ready: %w", err)
	}
	defer rows.Close()

	var ready []PublishReadyRun
	for rows.Next() {
		var pr PublishReadyRun
		if err := rows.Scan(
			&pr.Run.ID, &pr.Run.Package, &pr.Run.Suite, &pr.Run.Command,
			&pr.Run.ResultCode, &pr.Run.Description, &pr.Run.Result,
			&pr.Run.Revision, &pr.Run.MainBranchRevision, &pr.Run.BranchURL,
			&pr.Run.BranchName, &pr.Run.ResultTags, &pr.Run.StartTime,
			&pr.Run.FinishTime,
			&pr.MaintainerEmail, &pr.UploaderEmails,
		); err != nil {
			return nil, fmt.Errorf("storage: scan publish ready: %w", err)
		}
		ready = append(ready, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range ready {
		if err := db.loadResultBranches(ctx, &ready[i].Run); err != nil {
			return nil, err
		}
	}
	return ready, nil
}
