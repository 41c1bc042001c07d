package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tidybot/publisher/internal/model"
)

const packageColumns = `name, maintainer_email, uploader_emails, branch_url, removed`

func scanPackage(row pgx.Row) (model.Package, error) {
	var p model.Package
	err := row.Scan(&p.Name, &p.MaintainerEmail, &p.UploaderEmails,
		&p.BranchURL, &p.Removed)
	return p, err
}

// GetPackage retrieves a package by name.
func (db *DB) GetPackage(ctx context.Context, name string) (model.Package, error) {
	p, err := scanPackage(db.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM package WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Package{}, ErrNotFound
		}
		return model.Package{}, fmt.Errorf("storage: get package: %w", err)
	}
	return p, nil
}

// GetPackageByBranchURL resolves a package from its canonical branch
// URL, ignoring any branch segment parameters on either side.
func (db *DB) GetPackageByBranchURL(ctx context.Context, branchURL string) (model.Package, error) {
	p, err := scanPackage(db.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM package
		 WHERE split_part(trim(trailing '/' from branch_url), ',', 1)
		     = split_part(trim(trailing '/' from $1), ',', 1)
		 LIMIT 1`, branchURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Package{}, ErrNotFound
		}
		return model.Package{}, fmt.Errorf("storage: package by branch url: %w", err)
	}
	return p, nil
}

// GuessPackageFromRevision makes a best-effort resolution of the
// package that produced a revision, via the run branches on record.
func (db *DB) GuessPackageFromRevision(ctx context.Context, revision string) (model.Package, error) {
	p, err := scanPackage(db.pool.QueryRow(ctx,
		`SELECT `+prefixed(packageColumns, "package.")+`
		 FROM run_branch rb
		 JOIN run ON run.id = rb.run_id
		 JOIN package ON package.name = run.package
		 WHERE rb.revision = $1
		 ORDER BY run.start_time DESC LIMIT 1`, revision))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Package{}, ErrNotFound
		}
		return model.Package{}, fmt.Errorf("storage: guess package from revision: %w", err)
	}
	return p, nil
}

// HasCotenants reports whether other packages share the repository
// behind branchURL, in which case derived branch names must carry the
// package name to stay unique.
func (db *DB) HasCotenants(ctx context.Context, pkg, branchURL string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM package
		   WHERE split_part(trim(trailing '/' from branch_url), ',', 1)
		       = split_part(trim(trailing '/' from $2), ',', 1)
		     AND name <> $1
		 )`, pkg, branchURL,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has cotenants: %w", err)
	}
	return exists, nil
}
