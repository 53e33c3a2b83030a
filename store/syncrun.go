package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/repomirror/repomirror"
)

// OpenSyncRun records the start of a repository sync and returns its id,
// used later to close the run. Append-only audit trail per spec §3.
func (s *Store) OpenSyncRun(ctx context.Context, repoID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_run (repository_id, started_at, status) VALUES (?, ?, ?)`,
		repoID, time.Now(), string(repomirror.SyncPartial))
	if err != nil {
		return 0, dbConstraintErr("store.OpenSyncRun", err)
	}
	return res.LastInsertId()
}

// SyncRunResult is the terminal tally passed to CloseSyncRun.
type SyncRunResult struct {
	Status        repomirror.SyncStatus
	Downloaded    int
	Skipped       int
	Failed        int
	BytesTransfer int64
	Error         string
}

// CloseSyncRun records the terminal state of a sync started by OpenSyncRun.
func (s *Store) CloseSyncRun(ctx context.Context, id int64, result SyncRunResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_run SET completed_at = ?, status = ?, downloaded = ?, skipped = ?, failed = ?, bytes_transferred = ?, error = ?
		 WHERE id = ?`,
		time.Now(), string(result.Status), result.Downloaded, result.Skipped, result.Failed, result.BytesTransfer, result.Error, id)
	if err != nil {
		return dbConstraintErr("store.CloseSyncRun", err)
	}
	return nil
}

// ListSyncRuns returns a repository's sync history, most recent first.
func (s *Store) ListSyncRuns(ctx context.Context, repoID string) ([]repomirror.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, started_at, completed_at, status, downloaded, skipped, failed, bytes_transferred, error
		 FROM sync_run WHERE repository_id = ? ORDER BY started_at DESC`, repoID)
	if err != nil {
		return nil, dbConstraintErr("store.ListSyncRuns", err)
	}
	defer rows.Close()

	var runs []repomirror.SyncRun
	for rows.Next() {
		var run repomirror.SyncRun
		var completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.RepositoryID, &run.StartedAt, &completedAt, &run.Status,
			&run.Downloaded, &run.Skipped, &run.Failed, &run.BytesTransfer, &run.Error); err != nil {
			return nil, fmt.Errorf("store: scan sync_run: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
