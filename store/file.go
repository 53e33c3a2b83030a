package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/repomirror/repomirror"
)

// UpsertRepositoryFile records a mirror-mode RepositoryFile. Unlike
// ContentItem, a RepositoryFile belongs to exactly one repository (its
// original_path is upstream-relative, not globally meaningful), so there is
// no separate "linked" step: the row itself is the link.
func (s *Store) UpsertRepositoryFile(ctx context.Context, f repomirror.RepositoryFile) (repomirror.RepositoryFile, error) {
	metadataJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return repomirror.RepositoryFile{}, fmt.Errorf("store: marshal repository file metadata: %w", err)
	}
	now := f.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repository_file (repository_id, sha256, size_bytes, file_category, file_type, original_path, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RepositoryID, f.SHA256.Hex(), f.SizeBytes, f.FileCategory, f.FileType, f.OriginalPath, string(metadataJSON), now)
	if err != nil {
		return repomirror.RepositoryFile{}, dbConstraintErr("store.UpsertRepositoryFile", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return repomirror.RepositoryFile{}, fmt.Errorf("store: last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt = now
	return f, nil
}

// ListRepositoryFiles returns every RepositoryFile mirrored for repo.
func (s *Store) ListRepositoryFiles(ctx context.Context, repoID string) ([]repomirror.RepositoryFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, sha256, size_bytes, file_category, file_type, original_path, metadata, created_at
		 FROM repository_file WHERE repository_id = ?`, repoID)
	if err != nil {
		return nil, dbConstraintErr("store.ListRepositoryFiles", err)
	}
	defer rows.Close()

	var files []repomirror.RepositoryFile
	for rows.Next() {
		var f repomirror.RepositoryFile
		var sha256Hex, metadataJSON string
		if err := rows.Scan(&f.ID, &f.RepositoryID, &sha256Hex, &f.SizeBytes, &f.FileCategory, &f.FileType, &f.OriginalPath, &metadataJSON, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan repository_file: %w", err)
		}
		digest, err := repomirror.ParseDigest(sha256Hex)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt sha256 in repository_file row %d: %w", f.ID, err)
		}
		f.SHA256 = digest
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &f.Metadata); err != nil {
				return nil, fmt.Errorf("store: corrupt metadata in repository_file row %d: %w", f.ID, err)
			}
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ReferencedSHA256 reports whether digest is still referenced by any live
// ContentItem or RepositoryFile row, the predicate pool.Cleanup needs.
func (s *Store) ReferencedSHA256(ctx context.Context, sha256Hex string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM content_item WHERE sha256 = ?)
		    OR EXISTS(SELECT 1 FROM repository_file WHERE sha256 = ?)`,
		sha256Hex, sha256Hex)
	var referenced bool
	if err := row.Scan(&referenced); err != nil {
		return false, dbConstraintErr("store.ReferencedSHA256", err)
	}
	return referenced, nil
}
