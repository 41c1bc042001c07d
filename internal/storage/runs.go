package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tidybot/publisher/internal/model"
)

const runColumns = `id, package, suite, command, result_code, description,
	result, revision, main_branch_revision, branch_url, branch_name,
	result_tags, start_time, finish_time`

// prefixed qualifies each column in a comma-separated list with a
// table prefix, for joins.
func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.Package, &r.Suite, &r.Command, &r.ResultCode,
		&r.Description, &r.Result, &r.Revision, &r.MainBranchRevision,
		&r.BranchURL, &r.BranchName, &r.ResultTags, &r.StartTime,
		&r.FinishTime,
	)
	return r, err
}

// GetRun retrieves a run by id, including its result branches.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	if err := db.loadResultBranches(ctx, &run); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func (db *DB) loadResultBranches(ctx context.Context, run *model.Run) error {
	rows, err := db.pool.Query(ctx,
		`SELECT role, remote_name, base_revision, revision
		 FROM run_branch WHERE run_id = $1 ORDER BY role`, run.ID)
	if err != nil {
		return fmt.Errorf("storage: load result branches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b model.ResultBranch
		if err := rows.Scan(&b.Role, &b.RemoteName, &b.BaseRevision, &b.Revision); err != nil {
			return fmt.Errorf("storage: scan result branch: %w", err)
		}
		run.ResultBranches = append(run.ResultBranches, b)
	}
	return rows.Err()
}

// GetLastEffectiveRun returns the most recent run for (package, suite)
// that still matters: the latest success or nothing-to-do, or, after
// collapsing an uninterrupted tail of nothing-new-to-do runs, the
// most recent outright failure.
func (db *DB) GetLastEffectiveRun(ctx context.Context, pkg, suite string) (model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM run
		 WHERE package = $1 AND suite = $2
		 ORDER BY start_time DESC LIMIT 50`, pkg, suite)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: last effective run: %w", err)
	}
	defer rows.Close()

	sawNoopSuccess := false
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return model.Run{}, fmt.Errorf("storage: scan run: %w", err)
		}
		switch run.ResultCode {
		case model.ResultSuccess, model.ResultNothingToDo:
		case model.ResultNothingNewToDo:
			sawNoopSuccess = true
			continue
		default:
			if sawNoopSuccess {
				continue
			}
		}
		rows.Close()
		if err := db.loadResultBranches(ctx, &run); err != nil {
			return model.Run{}, err
		}
		return run, nil
	}
	if err := rows.Err(); err != nil {
		return model.Run{}, fmt.Errorf("storage: last effective run: %w", err)
	}
	return model.Run{}, ErrNotFound
}

// GetUnchangedRun returns the latest "unchanged" control run for the
// package at the given main-branch revision, used to locate the diff
// base when a binary diff is required.
func (db *DB) GetUnchangedRun(ctx context.Context, pkg, mainBranchRevision string) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run
		 WHERE package = $1 AND suite = 'unchanged' AND revision = $2
		 ORDER BY (result_code = 'success') DESC, start_time DESC
		 LIMIT 1`, pkg, mainBranchRevision))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: unchanged run: %w", err)
	}
	return run, nil
}

// IterRunsByMainBranchRevision returns the latest run per suite whose
// diff base is the given main-branch revision. Used when a control run
// completes to re-evaluate the runs that were waiting on it.
func (db *DB) IterRunsByMainBranchRevision(ctx context.Context, revision string) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (package, suite) `+runColumns+` FROM run
		 WHERE main_branch_revision = $1
		 ORDER BY package, suite, start_time DESC`, revision)
	if err != nil {
		return nil, fmt.Errorf("storage: runs by main branch revision: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range runs {
		if err := db.loadResultBranches(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}
