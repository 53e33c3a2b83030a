package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"

	"github.com/repomirror/repomirror"
)

var repositoryCols = []interface{}{"id", "name", "type", "feed_url", "enabled", "mode", "last_sync_at"}

func scanRepository(row interface{ Scan(...any) error }) (repomirror.Repository, error) {
	var r repomirror.Repository
	var lastSync sql.NullTime
	if err := row.Scan(&r.ID, &r.Name, &r.Type, &r.FeedURL, &r.Enabled, &r.Mode, &lastSync); err != nil {
		return repomirror.Repository{}, err
	}
	if lastSync.Valid {
		t := lastSync.Time
		r.LastSyncAt = &t
	}
	return r, nil
}

// UpsertRepository creates repo or updates its mutable fields (name, type,
// feed_url, enabled, mode) if a row with its id already exists. Repositories
// are owned by configuration, re-applied on every invocation, per spec §3's
// "created/updated from configuration at sync time" lifecycle.
func (s *Store) UpsertRepository(ctx context.Context, repo repomirror.Repository) error {
	const query = `
		INSERT INTO repository (id, name, type, feed_url, enabled, mode)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			feed_url = excluded.feed_url,
			enabled = excluded.enabled,
			mode = excluded.mode`
	_, err := s.db.ExecContext(ctx, query,
		repo.ID, repo.Name, string(repo.Type), repo.FeedURL, repo.Enabled, string(repo.Mode))
	if err != nil {
		return dbConstraintErr("store.UpsertRepository", err)
	}
	return nil
}

// GetRepository looks up a repository by id. Returns sql.ErrNoRows if absent.
func (s *Store) GetRepository(ctx context.Context, id string) (repomirror.Repository, error) {
	query, args, err := dialect.From("repository").
		Select(repositoryCols...).
		Where(goqu.Ex{"id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return repomirror.Repository{}, fmt.Errorf("store: build select repository: %w", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	repo, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repomirror.Repository{}, err
		}
		return repomirror.Repository{}, fmt.Errorf("store: scan repository: %w", err)
	}
	return repo, nil
}

// ListRepositories returns every known repository.
func (s *Store) ListRepositories(ctx context.Context) ([]repomirror.Repository, error) {
	query, args, err := dialect.From("repository").Select(repositoryCols...).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build select repositories: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbConstraintErr("store.ListRepositories", err)
	}
	defer rows.Close()

	var repos []repomirror.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// TouchLastSync records the wall-clock time a repository's sync last
// completed (successfully or not — callers decide when to call this).
func (s *Store) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	query, args, err := dialect.Update("repository").
		Set(goqu.Record{"last_sync_at": at}).
		Where(goqu.Ex{"id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: build update repository: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return dbConstraintErr("store.TouchLastSync", err)
	}
	return nil
}
