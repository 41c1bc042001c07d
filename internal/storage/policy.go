package storage

import (
	"context"
	"fmt"

	"github.com/tidybot/publisher/internal/model"
)

// GetPublishPolicy fetches the per-role publish policy for
// (package, suite). Returns ErrNotFound when none is configured.
// Unknown mode strings are rejected here so they never reach the
// executor.
func (db *DB) GetPublishPolicy(ctx context.Context, pkg, suite string) (model.PublishPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT role, mode, update_changelog, command
		 FROM publish_policy WHERE package = $1 AND suite = $2`, pkg, suite)
	if err != nil {
		return model.PublishPolicy{}, fmt.Errorf("storage: get publish policy: %w", err)
	}
	defer rows.Close()

	policy := model.PublishPolicy{Roles: map[string]model.Mode{}}
	for rows.Next() {
		var role, modeStr string
		if err := rows.Scan(&role, &modeStr, &policy.UpdateChangelog, &policy.Command); err != nil {
			return model.PublishPolicy{}, fmt.Errorf("storage: scan publish policy: %w", err)
		}
		mode, err := model.ParseMode(modeStr)
		if err != nil {
			return model.PublishPolicy{}, fmt.Errorf("storage: policy for %s/%s role %s: %w",
				pkg, suite, role, err)
		}
		policy.Roles[role] = mode
	}
	if err := rows.Err(); err != nil {
		return model.PublishPolicy{}, err
	}
	if len(policy.Roles) == 0 {
		return model.PublishPolicy{}, ErrNotFound
	}
	return policy, nil
}
