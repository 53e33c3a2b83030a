// Package publish implements the Publisher of spec §4.8: materializing a
// repository, snapshot, view, or view-snapshot into a target directory via
// format-correct hardlinks, with an atomic whole-directory rename so
// readers never observe a partially-written tree.
//
// Grounded on libindex/fetcher.go's temp-file-then-rename discipline,
// adapted from a single file to a whole directory: build under
// "<target>.tmp.<pid>", move the current target aside to
// "<target>.old.<pid>", rename the new tree into place, then remove the
// old one.
package publish

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/format"
	"github.com/repomirror/repomirror/pool"
	"github.com/repomirror/repomirror/store"
)

// Publisher routes to the appropriate format.Plugin and performs the
// atomic directory swap every publish operation shares.
type Publisher struct {
	store    *store.Store
	pool     *pool.Pool
	registry format.Registry
}

// New builds a Publisher over its collaborators.
func New(st *store.Store, pl *pool.Pool, reg format.Registry) *Publisher {
	return &Publisher{store: st, pool: pl, registry: reg}
}

func (p *Publisher) plugin(ct repomirror.ContentType) (format.Plugin, error) {
	plugin, ok := p.registry.Lookup(ct)
	if !ok {
		return nil, &repomirror.Error{
			Op: "publish", Kind: repomirror.ErrConfigInvalid,
			Message: fmt.Sprintf("no format plugin registered for content type %q", ct),
		}
	}
	return plugin, nil
}

// PublishRepository materializes repo's currently linked content and files
// into targetDir.
func (p *Publisher) PublishRepository(ctx context.Context, repo repomirror.Repository, targetDir string) error {
	plugin, err := p.plugin(repo.Type)
	if err != nil {
		return err
	}
	items, err := p.store.ListRepositoryContent(ctx, repo.ID, store.ContentFilter{})
	if err != nil {
		return fmt.Errorf("publish: listing repository content: %w", err)
	}
	files, err := p.store.ListRepositoryFiles(ctx, repo.ID)
	if err != nil {
		return fmt.Errorf("publish: listing repository files: %w", err)
	}
	return p.publish(ctx, plugin, items, files, repo.Mode, targetDir)
}

// PublishSnapshot materializes the fixed item set of a named snapshot into
// targetDir. Snapshots never track RepositoryFiles (those are repository-
// level mirror metadata, not package content), so none are published here.
func (p *Publisher) PublishSnapshot(ctx context.Context, repo repomirror.Repository, snapshotName, targetDir string) error {
	plugin, err := p.plugin(repo.Type)
	if err != nil {
		return err
	}
	items, err := p.store.SnapshotContent(ctx, repo.ID, snapshotName)
	if err != nil {
		return fmt.Errorf("publish: listing snapshot content: %w", err)
	}
	return p.publish(ctx, plugin, items, nil, repo.Mode, targetDir)
}

// PublishView materializes the union of every member repository's
// currently linked content (in view order, no cross-repository dedup)
// into targetDir, using the view's declared content type's plugin.
func (p *Publisher) PublishView(ctx context.Context, view repomirror.View, targetDir string) error {
	plugin, err := p.plugin(view.RepoType)
	if err != nil {
		return err
	}
	var items []repomirror.ContentItem
	var files []repomirror.RepositoryFile
	for _, repoID := range view.Repositories {
		repoItems, err := p.store.ListRepositoryContent(ctx, repoID, store.ContentFilter{})
		if err != nil {
			return fmt.Errorf("publish: listing content for member %s: %w", repoID, err)
		}
		items = append(items, repoItems...)

		repoFiles, err := p.store.ListRepositoryFiles(ctx, repoID)
		if err != nil {
			return fmt.Errorf("publish: listing files for member %s: %w", repoID, err)
		}
		files = append(files, repoFiles...)
	}
	return p.publish(ctx, plugin, items, files, repomirror.ModeFiltered, targetDir)
}

// PublishViewSnapshot materializes the union of a ViewSnapshot's bundled
// member snapshots (in view order, no cross-repository dedup) into
// targetDir.
func (p *Publisher) PublishViewSnapshot(ctx context.Context, repoType repomirror.ContentType, viewName, snapshotName, targetDir string) error {
	plugin, err := p.plugin(repoType)
	if err != nil {
		return err
	}
	vs, err := p.store.GetViewSnapshot(ctx, viewName, snapshotName)
	if err != nil {
		return fmt.Errorf("publish: loading view snapshot: %w", err)
	}
	items, err := p.store.ViewSnapshotContent(ctx, vs)
	if err != nil {
		return fmt.Errorf("publish: listing view snapshot content: %w", err)
	}
	return p.publish(ctx, plugin, items, nil, repomirror.ModeFiltered, targetDir)
}

// publish builds the new tree under a staging directory, hands it to the
// plugin, and atomically swaps it into targetDir.
func (p *Publisher) publish(ctx context.Context, plugin format.Plugin, items []repomirror.ContentItem, files []repomirror.RepositoryFile, mode repomirror.RepoMode, targetDir string) error {
	pid := strconv.Itoa(os.Getpid())
	stagingDir := targetDir + ".tmp." + pid
	oldDir := targetDir + ".old." + pid

	if err := os.RemoveAll(stagingDir); err != nil {
		return &repomirror.Error{Op: "publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return &repomirror.Error{Op: "publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}

	link := func(kind pool.Kind) format.LinkFunc {
		return func(digest repomirror.Digest, filename, destPath string) error {
			return p.pool.Link(kind, digest, filename, destPath)
		}
	}
	// A single LinkFunc can't distinguish ContentItem from RepositoryFile
	// destinations, so route each call through a small dispatcher: a
	// digest belonging to one of items links from the content subtree, any
	// other digest from the files subtree.
	linkFn := dispatchLink(link(pool.Content), link(pool.Files), items, files)

	if err := plugin.Publish(ctx, items, files, stagingDir, mode, linkFn); err != nil {
		os.RemoveAll(stagingDir)
		return fmt.Errorf("publish: plugin publish: %w", err)
	}

	if _, err := os.Stat(targetDir); err == nil {
		if err := os.RemoveAll(oldDir); err != nil {
			os.RemoveAll(stagingDir)
			return &repomirror.Error{Op: "publish", Kind: repomirror.ErrPoolIO, Inner: err}
		}
		if err := os.Rename(targetDir, oldDir); err != nil {
			os.RemoveAll(stagingDir)
			return &repomirror.Error{Op: "publish", Kind: repomirror.ErrPoolIO, Message: "moving old target aside", Inner: err}
		}
	} else if !os.IsNotExist(err) {
		os.RemoveAll(stagingDir)
		return &repomirror.Error{Op: "publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}

	if err := os.Rename(stagingDir, targetDir); err != nil {
		// Best-effort restore: put the old tree back since the rename in
		// failed and the target directory may now be missing.
		os.Rename(oldDir, targetDir)
		return &repomirror.Error{Op: "publish", Kind: repomirror.ErrPoolIO, Message: "renaming staged tree into place", Inner: err}
	}
	os.RemoveAll(oldDir)
	return nil
}

// dispatchLink builds a LinkFunc that routes to the content pool when
// digest belongs to one of items, or the files pool when it belongs to one
// of files. Plugins only ever call link with a digest drawn from the items
// and files slices passed to Publish, so this is exhaustive.
func dispatchLink(contentLink, filesLink format.LinkFunc, items []repomirror.ContentItem, files []repomirror.RepositoryFile) format.LinkFunc {
	isContent := make(map[string]bool, len(items))
	for _, it := range items {
		isContent[it.SHA256.Hex()] = true
	}
	return func(digest repomirror.Digest, filename, destPath string) error {
		if isContent[digest.Hex()] {
			return contentLink(digest, filename, destPath)
		}
		return filesLink(digest, filename, destPath)
	}
}
