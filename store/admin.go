package store

import (
	"context"
	"fmt"
	"time"
)

// MigrationRecord is one applied row of remind101/migrate's own bookkeeping
// table, surfaced for the `database history`/`database current` CLI
// commands.
type MigrationRecord struct {
	ID         int
	MigratedAt time.Time
}

// SchemaVersion returns the highest applied migration id, or 0 if none have
// run yet (Open always runs the embedded set, so this is mostly useful
// right after a fresh database file is created).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, migrationTable))
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	return v, nil
}

// MigrationHistory returns every applied migration, oldest first.
func (s *Store) MigrationHistory(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, migrated_at FROM %s ORDER BY id`, migrationTable))
	if err != nil {
		return nil, fmt.Errorf("store: migration history: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.ID, &r.MigratedAt); err != nil {
			return nil, fmt.Errorf("store: scan migration record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TableStats returns a row count for every table the CLI's `database
// stats` command reports on.
func (s *Store) TableStats(ctx context.Context) (map[string]int64, error) {
	tables := []string{
		"repository", "content_item", "repository_file", "repository_content",
		"snapshot", "snapshot_content", "view_snapshot", "view_snapshot_member", "sync_run",
	}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t))
		var n int64
		if err := row.Scan(&n); err != nil {
			return nil, fmt.Errorf("store: counting %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

// ForeignKeyViolation is one row of a `PRAGMA foreign_key_check` result.
type ForeignKeyViolation struct {
	Table    string
	RowID    int64
	Parent   string
	ColumnID int
}

// VerifyForeignKeys runs sqlite's PRAGMA foreign_key_check and reports
// every violation found, for the `database verify` command.
func (s *Store) VerifyForeignKeys(ctx context.Context) ([]ForeignKeyViolation, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return nil, fmt.Errorf("store: foreign_key_check: %w", err)
	}
	defer rows.Close()

	var out []ForeignKeyViolation
	for rows.Next() {
		var v ForeignKeyViolation
		if err := rows.Scan(&v.Table, &v.RowID, &v.Parent, &v.ColumnID); err != nil {
			return nil, fmt.Errorf("store: scan foreign_key_check row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
