package storage

import (
	"context"
	"fmt"
)

// ScheduleRequest asks the runner to rebuild (package, suite). The
// bucket scopes backoff accounting per failure class; refresh forces a
// fresh diff instead of resuming from the previous result branch.
type ScheduleRequest struct {
	Package   string
	Suite     string
	Command   string // "" keeps the policy command
	Bucket    string
	Refresh   bool
	Requestor string
}

// ScheduleBuild enqueues a rebuild request. Re-requesting the same
// (package, suite, bucket) refreshes the existing queue entry rather
// than duplicating it.
func (db *DB) ScheduleBuild(ctx context.Context, req ScheduleRequest) error {
	var command *string
	if req.Command != "" {
		command = &req.Command
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO queue (package, suite, command, bucket, refresh, requestor)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (package, suite, bucket) DO UPDATE SET
		   command = EXCLUDED.command,
		   refresh = EXCLUDED.refresh,
		   requestor = EXCLUDED.requestor,
		   scheduled_at = now()`,
		req.Package, req.Suite, command, req.Bucket, req.Refresh, req.Requestor,
	)
	if err != nil {
		return fmt.Errorf("storage: schedule build: %w", err)
	}
	return nil
}
