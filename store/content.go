package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v8"

	"github.com/repomirror/repomirror"
)

var contentItemCols = []interface{}{
	"id", "sha256", "filename", "size_bytes", "content_type", "name", "version", "arch", "metadata", "created_at",
}

func scanContentItem(row interface{ Scan(...any) error }) (repomirror.ContentItem, error) {
	var it repomirror.ContentItem
	var sha256Hex string
	var metadataJSON string
	var createdAt time.Time
	if err := row.Scan(&it.ID, &sha256Hex, &it.Filename, &it.SizeBytes, &it.ContentType, &it.Name, &it.Version, &it.Arch, &metadataJSON, &createdAt); err != nil {
		return repomirror.ContentItem{}, err
	}
	digest, err := repomirror.ParseDigest(sha256Hex)
	if err != nil {
		return repomirror.ContentItem{}, fmt.Errorf("store: corrupt sha256 in content_item row %d: %w", it.ID, err)
	}
	it.SHA256 = digest
	it.CreatedAt = createdAt
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &it.Metadata); err != nil {
			return repomirror.ContentItem{}, fmt.Errorf("store: corrupt metadata in content_item row %d: %w", it.ID, err)
		}
	}
	return it, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpsertContentItem inserts item if no ContentItem with its sha256 exists
// yet, or returns the existing row otherwise (created=false). The sha256
// uniqueness invariant (spec §3 invariant 1) is enforced by the database,
// not by a check-then-insert race in application code: a losing concurrent
// insert is detected via the unique constraint violation and resolved by
// re-reading the winning row.
func (s *Store) UpsertContentItem(ctx context.Context, item repomirror.ContentItem) (repomirror.ContentItem, bool, error) {
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return repomirror.ContentItem{}, false, fmt.Errorf("store: marshal content item metadata: %w", err)
	}
	if item.CreatedAt.IsZero() {
		return repomirror.ContentItem{}, false, fmt.Errorf("store: UpsertContentItem: CreatedAt is required")
	}

	insert := dialect.Insert("content_item").Rows(goqu.Record{
		"sha256":       item.SHA256.Hex(),
		"filename":     item.Filename,
		"size_bytes":   item.SizeBytes,
		"content_type": string(item.ContentType),
		"name":         item.Name,
		"version":      item.Version,
		"arch":         item.Arch,
		"metadata":     string(metadataJSON),
		"created_at":   item.CreatedAt,
	}).Prepared(true)
	query, args, err := insert.ToSQL()
	if err != nil {
		return repomirror.ContentItem{}, false, fmt.Errorf("store: build insert content_item: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetContentItemBySHA256(ctx, item.SHA256)
			if getErr != nil {
				return repomirror.ContentItem{}, false, getErr
			}
			return existing, false, nil
		}
		return repomirror.ContentItem{}, false, dbConstraintErr("store.UpsertContentItem", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return repomirror.ContentItem{}, false, fmt.Errorf("store: last insert id: %w", err)
	}
	item.ID = id
	return item, true, nil
}

// GetContentItemBySHA256 looks up a ContentItem by its sha256. Returns
// sql.ErrNoRows (wrap-checked with errors.Is) if absent.
func (s *Store) GetContentItemBySHA256(ctx context.Context, digest repomirror.Digest) (repomirror.ContentItem, error) {
	query, args, err := dialect.From("content_item").
		Select(contentItemCols...).
		Where(goqu.Ex{"sha256": digest.Hex()}).
		Prepared(true).ToSQL()
	if err != nil {
		return repomirror.ContentItem{}, fmt.Errorf("store: build select content_item: %w", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	it, err := scanContentItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repomirror.ContentItem{}, err
		}
		return repomirror.ContentItem{}, fmt.Errorf("store: scan content_item: %w", err)
	}
	return it, nil
}

// LinkRepositoryContent links items to repo, committing in batches of
// batchSize to bound memory and keep recent work durable on long syncs, per
// spec §4.2's "commit in reasonable batches" requirement. Adapted from the
// teacher's pkg/microbatch (pgx.Batch) into a database/sql exec loop, since
// database/sql has no native batch-protocol equivalent.
func (s *Store) LinkRepositoryContent(ctx context.Context, repoID string, itemIDs []int64, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := time.Now()
	for start := 0; start < len(itemIDs); start += batchSize {
		end := start + batchSize
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		batch := itemIDs[start:end]
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO repository_content (repository_id, content_item_id, linked_at)
				 VALUES (?, ?, ?)
				 ON CONFLICT (repository_id, content_item_id) DO NOTHING`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, id := range batch {
				if _, err := stmt.ExecContext(ctx, repoID, id, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return dbConstraintErr("store.LinkRepositoryContent", err)
		}
	}
	return nil
}

// UnlinkRepositoryContent removes the repository↔content_item links for the
// given item ids. The underlying ContentItems are untouched; they're only
// removed from the pool once Pool.Cleanup finds them unreferenced anywhere.
func (s *Store) UnlinkRepositoryContent(ctx context.Context, repoID string, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	ids := make([]interface{}, len(itemIDs))
	for i, id := range itemIDs {
		ids[i] = id
	}
	query, args, err := dialect.Delete("repository_content").
		Where(goqu.Ex{"repository_id": repoID, "content_item_id": ids}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("store: build delete repository_content: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return dbConstraintErr("store.UnlinkRepositoryContent", err)
	}
	return nil
}

// ContentFilter narrows ListRepositoryContent's result set. A zero value
// matches everything currently linked to the repository.
type ContentFilter struct {
	ContentType repomirror.ContentType
	Arch        string
}

// ListRepositoryContent returns the ContentItems currently linked to repo,
// optionally narrowed by filter.
func (s *Store) ListRepositoryContent(ctx context.Context, repoID string, filter ContentFilter) ([]repomirror.ContentItem, error) {
	ds := dialect.From("content_item").
		Select(prefixCols("content_item", contentItemCols)...).
		InnerJoin(
			goqu.T("repository_content"),
			goqu.On(goqu.I("content_item.id").Eq(goqu.I("repository_content.content_item_id"))),
		).
		Where(goqu.Ex{"repository_content.repository_id": repoID})
	if filter.ContentType != "" {
		ds = ds.Where(goqu.Ex{"content_item.content_type": string(filter.ContentType)})
	}
	if filter.Arch != "" {
		ds = ds.Where(goqu.Ex{"content_item.arch": filter.Arch})
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: build select repository content: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbConstraintErr("store.ListRepositoryContent", err)
	}
	defer rows.Close()

	var items []repomirror.ContentItem
	for rows.Next() {
		it, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan repository content: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate repository content: %w", err)
	}
	return items, nil
}

func prefixCols(table string, cols []interface{}) []interface{} {
	out := make([]interface{}, len(cols))
	for i, c := range cols {
		out[i] = goqu.I(table + "." + c.(string))
	}
	return out
}
