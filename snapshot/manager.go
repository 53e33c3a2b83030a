// Package snapshot implements the SnapshotManager of spec §4.7: thin
// orchestration over store's already-transactional snapshot operations,
// plus the version-comparator wiring DiffSnapshots needs from the owning
// format plugin.
//
// Grounded on CopySnapshot's "new row, same links, zero file I/O" contract:
// every method here does exactly one store call, no pool or filesystem
// access, mirroring how the teacher's CopySnapshot-equivalent update
// operations never touch the blob store, only rows.
package snapshot

import (
	"context"
	"fmt"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/format"
	"github.com/repomirror/repomirror/store"
)

// Manager creates, copies, lists, diffs, and deletes Snapshots and
// ViewSnapshots on behalf of the CLI and any other caller.
type Manager struct {
	store    *store.Store
	registry format.Registry
}

// New builds a Manager over st, using reg to resolve a repository's plugin
// for version-ordered diffs.
func New(st *store.Store, reg format.Registry) *Manager {
	return &Manager{store: st, registry: reg}
}

// Create takes repo's currently linked content and inserts an immutable
// Snapshot over exactly that set, per spec §4.7. Fails with ErrDBConstraint
// if (repo, name) already exists.
func (m *Manager) Create(ctx context.Context, repoID, name, description string) (repomirror.Snapshot, error) {
	return m.store.CreateSnapshot(ctx, repoID, name, description)
}

// Copy creates a new Snapshot under dst linking exactly the ContentItems of
// src — zero pool reads or writes, per testable property 5.
func (m *Manager) Copy(ctx context.Context, repoID, src, dst string) (repomirror.Snapshot, error) {
	return m.store.CopySnapshot(ctx, repoID, src, dst)
}

// List returns every snapshot of repoID, newest first.
func (m *Manager) List(ctx context.Context, repoID string) ([]repomirror.Snapshot, error) {
	return m.store.ListSnapshots(ctx, repoID)
}

// Show looks up a single snapshot by (repository, name).
func (m *Manager) Show(ctx context.Context, repoID, name string) (repomirror.Snapshot, error) {
	return m.store.GetSnapshot(ctx, repoID, name)
}

// Content returns the ContentItems linked from a snapshot, per spec §6's
// `snapshot content` command.
func (m *Manager) Content(ctx context.Context, repoID, name string) ([]repomirror.ContentItem, error) {
	return m.store.SnapshotContent(ctx, repoID, name)
}

// Delete removes a Snapshot and its links. The underlying ContentItems
// remain until pool.Cleanup runs.
func (m *Manager) Delete(ctx context.Context, repoID, name string) error {
	return m.store.DeleteSnapshot(ctx, repoID, name)
}

// Diff compares two snapshots of the same repository, ordering "updated"
// entries with the repository's own format plugin comparator.
func (m *Manager) Diff(ctx context.Context, repo repomirror.Repository, a, b string) (repomirror.SnapshotDiff, error) {
	plugin, ok := m.registry.Lookup(repo.Type)
	if !ok {
		return repomirror.SnapshotDiff{}, &repomirror.Error{
			Op: "snapshot.Diff", Kind: repomirror.ErrConfigInvalid,
			Message: fmt.Sprintf("no format plugin registered for content type %q", repo.Type),
		}
	}
	return m.store.DiffSnapshots(ctx, repo.ID, a, b, plugin.Cmp)
}

// CreateView creates a Snapshot named name for each of repositoryIDs (in
// view order) from that repository's currently linked content, and bundles
// them into one ViewSnapshot record — all in a single transaction: if any
// member's snapshot insert fails, the whole view-snapshot fails and no
// partial member snapshots remain, per spec §4.7.
func (m *Manager) CreateView(ctx context.Context, viewName, name, description string, repositoryIDs []string) (repomirror.ViewSnapshot, error) {
	return m.store.CreateViewSnapshot(ctx, viewName, name, description, repositoryIDs)
}
