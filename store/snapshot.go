package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v8"

	"github.com/repomirror/repomirror"
)

var snapshotCols = []interface{}{"id", "repository_id", "name", "description", "created_at", "package_count", "total_size_bytes"}

func scanSnapshot(row interface{ Scan(...any) error }) (repomirror.Snapshot, error) {
	var sn repomirror.Snapshot
	if err := row.Scan(&sn.ID, &sn.RepositoryID, &sn.Name, &sn.Description, &sn.CreatedAt, &sn.PackageCount, &sn.TotalSizeBytes); err != nil {
		return repomirror.Snapshot{}, err
	}
	return sn, nil
}

// createSnapshotTx takes repoID's currently linked ContentItems and inserts
// an immutable Snapshot over exactly that set, using tx. Shared by
// CreateSnapshot (one repository, its own transaction) and
// CreateViewSnapshot (every member repository, one shared transaction), so
// both paths insert a snapshot row and its content links the same way.
func createSnapshotTx(ctx context.Context, tx *sql.Tx, repoID, name, description string, now time.Time) (repomirror.Snapshot, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT content_item.id, content_item.size_bytes
		 FROM content_item
		 JOIN repository_content ON repository_content.content_item_id = content_item.id
		 WHERE repository_content.repository_id = ?`, repoID)
	if err != nil {
		return repomirror.Snapshot{}, err
	}
	var itemIDs []int64
	var totalSize int64
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return repomirror.Snapshot{}, err
		}
		itemIDs = append(itemIDs, id)
		totalSize += size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return repomirror.Snapshot{}, err
	}
	rows.Close()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot (repository_id, name, description, created_at, package_count, total_size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		repoID, name, description, now, len(itemIDs), totalSize)
	if err != nil {
		return repomirror.Snapshot{}, err
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return repomirror.Snapshot{}, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshot_content (snapshot_id, content_item_id) VALUES (?, ?)`)
	if err != nil {
		return repomirror.Snapshot{}, err
	}
	defer stmt.Close()
	for _, id := range itemIDs {
		if _, err := stmt.ExecContext(ctx, snapshotID, id); err != nil {
			return repomirror.Snapshot{}, err
		}
	}

	return repomirror.Snapshot{
		ID: snapshotID, RepositoryID: repoID, Name: name, Description: description,
		CreatedAt: now, PackageCount: len(itemIDs), TotalSizeBytes: totalSize,
	}, nil
}

// CreateSnapshot takes repo's currently linked ContentItems and inserts an
// immutable Snapshot over exactly that set, in a single transaction. Fails
// with ErrDBConstraint (wrapping the unique (repository_id, name) violation)
// if name already exists for repo, per spec §4.2.
func (s *Store) CreateSnapshot(ctx context.Context, repoID, name, description string) (repomirror.Snapshot, error) {
	var result repomirror.Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sn, err := createSnapshotTx(ctx, tx, repoID, name, description, time.Now())
		if err != nil {
			return err
		}
		result = sn
		return nil
	})
	if err != nil {
		return repomirror.Snapshot{}, dbConstraintErr("store.CreateSnapshot", err)
	}
	return result, nil
}

// CopySnapshot creates a new Snapshot under dst linking exactly the same
// ContentItems as src — no pool reads or writes, per spec §4.7/testable
// property 5. Implemented as INSERT ... SELECT so the link rows never pass
// through application memory.
func (s *Store) CopySnapshot(ctx context.Context, repoID, src, dst string) (repomirror.Snapshot, error) {
	var result repomirror.Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, package_count, total_size_bytes FROM snapshot WHERE repository_id = ? AND name = ?`,
			repoID, src)
		var srcID int64
		var packageCount int
		var totalSize int64
		if err := row.Scan(&srcID, &packageCount, &totalSize); err != nil {
			return fmt.Errorf("store: source snapshot %q: %w", src, err)
		}

		now := time.Now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot (repository_id, name, description, created_at, package_count, total_size_bytes)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			repoID, dst, "", now, packageCount, totalSize)
		if err != nil {
			return err
		}
		dstID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_content (snapshot_id, content_item_id)
			 SELECT ?, content_item_id FROM snapshot_content WHERE snapshot_id = ?`,
			dstID, srcID); err != nil {
			return err
		}

		result = repomirror.Snapshot{
			ID: dstID, RepositoryID: repoID, Name: dst,
			CreatedAt: now, PackageCount: packageCount, TotalSizeBytes: totalSize,
		}
		return nil
	})
	if err != nil {
		return repomirror.Snapshot{}, dbConstraintErr("store.CopySnapshot", err)
	}
	return result, nil
}

// GetSnapshot looks up a snapshot by (repository, name).
func (s *Store) GetSnapshot(ctx context.Context, repoID, name string) (repomirror.Snapshot, error) {
	query, args, err := dialect.From("snapshot").
		Select(snapshotCols...).
		Where(goqu.Ex{"repository_id": repoID, "name": name}).
		Prepared(true).ToSQL()
	if err != nil {
		return repomirror.Snapshot{}, fmt.Errorf("store: build select snapshot: %w", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	sn, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repomirror.Snapshot{}, err
		}
		return repomirror.Snapshot{}, fmt.Errorf("store: scan snapshot: %w", err)
	}
	return sn, nil
}

// ListSnapshots returns every snapshot of repoID, newest first.
func (s *Store) ListSnapshots(ctx context.Context, repoID string) ([]repomirror.Snapshot, error) {
	query, args, err := dialect.From("snapshot").
		Select(snapshotCols...).
		Where(goqu.Ex{"repository_id": repoID}).
		Order(goqu.C("created_at").Desc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build select snapshots: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbConstraintErr("store.ListSnapshots", err)
	}
	defer rows.Close()

	var out []repomirror.Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// SnapshotContent returns the ContentItems linked from the named snapshot,
// per spec §6's `snapshot content` command.
func (s *Store) SnapshotContent(ctx context.Context, repoID, name string) ([]repomirror.ContentItem, error) {
	return s.snapshotItems(ctx, repoID, name)
}

// DeleteSnapshot removes the Snapshot and its links. The underlying
// ContentItems remain until Pool.Cleanup runs, per spec §4.7.
func (s *Store) DeleteSnapshot(ctx context.Context, repoID, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM snapshot WHERE repository_id = ? AND name = ?`, repoID, name)
		var id int64
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("store: snapshot %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_content WHERE snapshot_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM snapshot WHERE id = ?`, id)
		return err
	})
}

// itemKey identifies a ContentItem for diff purposes by the (name, arch)
// pair spec §4.7's Diff groups on.
type itemKey struct{ name, arch string }

// DiffSnapshots compares two snapshots of the same repository. Each
// "updated" entry runs From a's version To b's. Updated entries are sorted
// by name, and entries sharing a name by their To version under cmp, the
// owning format plugin's version comparator.
func (s *Store) DiffSnapshots(ctx context.Context, repoID, a, b string, cmp func(v1, v2 string) int) (repomirror.SnapshotDiff, error) {
	itemsA, err := s.snapshotItems(ctx, repoID, a)
	if err != nil {
		return repomirror.SnapshotDiff{}, fmt.Errorf("store: snapshot %q: %w", a, err)
	}
	itemsB, err := s.snapshotItems(ctx, repoID, b)
	if err != nil {
		return repomirror.SnapshotDiff{}, fmt.Errorf("store: snapshot %q: %w", b, err)
	}

	byKeyA := make(map[itemKey]repomirror.ContentItem, len(itemsA))
	for _, it := range itemsA {
		byKeyA[itemKey{it.Name, it.Arch}] = it
	}
	byKeyB := make(map[itemKey]repomirror.ContentItem, len(itemsB))
	for _, it := range itemsB {
		byKeyB[itemKey{it.Name, it.Arch}] = it
	}

	var diff repomirror.SnapshotDiff
	for k, itB := range byKeyB {
		itA, ok := byKeyA[k]
		if !ok {
			diff.Added = append(diff.Added, itB)
			continue
		}
		if itA.Version != itB.Version {
			diff.Updated = append(diff.Updated, repomirror.VersionChange{
				Name: k.name, Arch: k.arch, From: itA.Version, To: itB.Version,
			})
		}
	}
	for k, itA := range byKeyA {
		if _, ok := byKeyB[k]; !ok {
			diff.Removed = append(diff.Removed, itA)
		}
	}
	sort.Slice(diff.Updated, func(i, j int) bool {
		if diff.Updated[i].Name != diff.Updated[j].Name {
			return diff.Updated[i].Name < diff.Updated[j].Name
		}
		return cmp(diff.Updated[i].To, diff.Updated[j].To) < 0
	})
	return diff, nil
}

// GetViewSnapshot looks up a ViewSnapshot by (view_name, name), with its
// member snapshot ids in view order.
func (s *Store) GetViewSnapshot(ctx context.Context, viewName, name string) (repomirror.ViewSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, package_count, total_size_bytes, created_at FROM view_snapshot WHERE view_name = ? AND name = ?`,
		viewName, name)
	var vs repomirror.ViewSnapshot
	vs.ViewName, vs.Name = viewName, name
	if err := row.Scan(&vs.ID, &vs.PackageCount, &vs.TotalSizeBytes, &vs.CreatedAt); err != nil {
		return repomirror.ViewSnapshot{}, fmt.Errorf("store: view snapshot %s/%s: %w", viewName, name, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id FROM view_snapshot_member WHERE view_snapshot_id = ? ORDER BY position`, vs.ID)
	if err != nil {
		return repomirror.ViewSnapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return repomirror.ViewSnapshot{}, err
		}
		vs.SnapshotIDs = append(vs.SnapshotIDs, id)
	}
	return vs, rows.Err()
}

// ViewSnapshotContent returns the ContentItems of every member snapshot of
// a ViewSnapshot, concatenated in view order with no cross-repository
// deduplication, per spec §4.8's view-snapshot publish contract.
func (s *Store) ViewSnapshotContent(ctx context.Context, vs repomirror.ViewSnapshot) ([]repomirror.ContentItem, error) {
	var out []repomirror.ContentItem
	for _, snapshotID := range vs.SnapshotIDs {
		rows, err := s.db.QueryContext(ctx,
			`SELECT content_item.id, content_item.sha256, content_item.filename, content_item.size_bytes,
			        content_item.content_type, content_item.name, content_item.version, content_item.arch,
			        content_item.metadata, content_item.created_at
			 FROM content_item
			 JOIN snapshot_content ON snapshot_content.content_item_id = content_item.id
			 WHERE snapshot_content.snapshot_id = ?`, snapshotID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			it, err := scanContentItem(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, it)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (s *Store) snapshotItems(ctx context.Context, repoID, name string) ([]repomirror.ContentItem, error) {
	sn, err := s.GetSnapshot(ctx, repoID, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_item.id, content_item.sha256, content_item.filename, content_item.size_bytes,
		        content_item.content_type, content_item.name, content_item.version, content_item.arch,
		        content_item.metadata, content_item.created_at
		 FROM content_item
		 JOIN snapshot_content ON snapshot_content.content_item_id = content_item.id
		 WHERE snapshot_content.snapshot_id = ?`, sn.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []repomirror.ContentItem
	for rows.Next() {
		it, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CreateViewSnapshot creates one Snapshot named name for each of
// repositoryIDs (in view order) from that repository's currently linked
// content, and bundles the results into a single ViewSnapshot record — all
// within one transaction, per spec §4.7: if any member snapshot's insert
// fails (e.g. a duplicate (repository, name) collision on one member), the
// whole transaction rolls back and no partial member snapshots remain.
func (s *Store) CreateViewSnapshot(ctx context.Context, viewName, name, description string, repositoryIDs []string) (repomirror.ViewSnapshot, error) {
	var result repomirror.ViewSnapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		snapshotIDs := make([]int64, 0, len(repositoryIDs))
		var packageCount int
		var totalSize int64
		for _, repoID := range repositoryIDs {
			sn, err := createSnapshotTx(ctx, tx, repoID, name, description, now)
			if err != nil {
				return fmt.Errorf("member %s/%s: %w", repoID, name, err)
			}
			snapshotIDs = append(snapshotIDs, sn.ID)
			packageCount += sn.PackageCount
			totalSize += sn.TotalSizeBytes
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO view_snapshot (view_name, name, package_count, total_size_bytes, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			viewName, name, packageCount, totalSize, now)
		if err != nil {
			return err
		}
		vsID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO view_snapshot_member (view_snapshot_id, position, snapshot_id) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, id := range snapshotIDs {
			if _, err := stmt.ExecContext(ctx, vsID, i, id); err != nil {
				return err
			}
		}

		result = repomirror.ViewSnapshot{
			ID: vsID, ViewName: viewName, Name: name, SnapshotIDs: snapshotIDs,
			PackageCount: packageCount, TotalSizeBytes: totalSize, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return repomirror.ViewSnapshot{}, dbConstraintErr("store.CreateViewSnapshot", err)
	}
	return result, nil
}
