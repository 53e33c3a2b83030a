// Package sync implements the SyncEngine orchestration of spec §4.6: fetch
// upstream candidates, filter them, resolve each against the pool and the
// metadata store, download what's missing with a bounded worker pool, link
// results into the repository, and apply the repository's retention policy
// to whatever fell out of the filtered set.
package sync

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/filter"
	"github.com/repomirror/repomirror/format"
	"github.com/repomirror/repomirror/pool"
	"github.com/repomirror/repomirror/store"
)

// Config bounds the engine's download concurrency and write-batching, per
// spec §5's download.parallel knob.
//
// Grounded on internal/updater/online.go's worker-pool shape, adapted from
// "one goroutine per updater" to "bounded pool of N download workers",
// using golang.org/x/sync/errgroup (as libindex/fetcher.go already does
// for the same "N workers, first error wins, context cancels the rest"
// shape) rather than the teacher's older hand-rolled errmap+WaitGroup.
type Config struct {
	DownloadParallel int
	BatchSize        int
}

func (c Config) parallel() int {
	if c.DownloadParallel <= 0 {
		return 4
	}
	return c.DownloadParallel
}

// Engine wires the fetcher, pool, metadata store, and format registry
// together to implement SyncRepository.
type Engine struct {
	store    *store.Store
	pool     *pool.Pool
	fetcher  *fetcher.Client
	registry format.Registry
	cfg      Config
}

// New builds an Engine from its collaborators.
func New(st *store.Store, pl *pool.Pool, cl *fetcher.Client, reg format.Registry, cfg Config) *Engine {
	return &Engine{store: st, pool: pl, fetcher: cl, registry: reg, cfg: cfg}
}

// RepoConfig is the per-repository configuration SyncRepository needs:
// identity, mode, filters (filtered mode only), and retention policy.
type RepoConfig struct {
	Repository repomirror.Repository
	Filters    filter.Config
	Retention  repomirror.RetentionPolicy
	KeepLastN  int
	// DeletedPackagesKeep, when true, keeps a newest-only-retained item
	// that has disappeared from upstream entirely (as opposed to being
	// superseded by a newer version also present upstream), per spec
	// §4.6 step 6's "newest-only ... items missing upstream entirely stay
	// if deleted_packages=keep" clause.
	DeletedPackagesKeep bool
}

type itemFailure struct {
	name string
	err  error
}

// SyncRepository runs the full sync algorithm of spec §4.6 steps 1-8 for
// one repository.
func (e *Engine) SyncRepository(ctx context.Context, rc RepoConfig) (repomirror.SyncRun, error) {
	repo := rc.Repository
	if err := e.store.UpsertRepository(ctx, repo); err != nil {
		return repomirror.SyncRun{}, fmt.Errorf("sync: upserting repository: %w", err)
	}

	runID, err := e.store.OpenSyncRun(ctx, repo.ID)
	if err != nil {
		return repomirror.SyncRun{}, fmt.Errorf("sync: opening sync run: %w", err)
	}
	started := time.Now()

	plugin, ok := e.registry.Lookup(repo.Type)
	if !ok {
		closeErr := fmt.Sprintf("no format plugin registered for content type %q", repo.Type)
		e.closeRun(ctx, runID, store.SyncRunResult{Status: repomirror.SyncFailed, Error: closeErr})
		return repomirror.SyncRun{}, &repomirror.Error{Op: "sync.SyncRepository", Kind: repomirror.ErrConfigInvalid, Message: closeErr}
	}

	candidates, err := plugin.FetchCandidates(ctx, e.fetcher, repo.FeedURL)
	if err != nil {
		e.closeRun(ctx, runID, store.SyncRunResult{Status: repomirror.SyncFailed, Error: err.Error()})
		return repomirror.SyncRun{}, fmt.Errorf("sync: fetching candidates: %w", err)
	}

	var want []format.Candidate
	if repo.Mode == repomirror.ModeMirror {
		want = candidates.Items
	} else {
		f, err := filter.New(rc.Filters)
		if err != nil {
			e.closeRun(ctx, runID, store.SyncRunResult{Status: repomirror.SyncFailed, Error: err.Error()})
			return repomirror.SyncRun{}, fmt.Errorf("sync: building filter: %w", err)
		}
		want = toCandidates(f.Apply(toFilterCandidates(candidates.Items), plugin.Cmp), candidates.Items)
	}

	linked, err := e.store.ListRepositoryContent(ctx, repo.ID, store.ContentFilter{})
	if err != nil {
		e.closeRun(ctx, runID, store.SyncRunResult{Status: repomirror.SyncFailed, Error: err.Error()})
		return repomirror.SyncRun{}, fmt.Errorf("sync: listing current repository content: %w", err)
	}
	linkedBySHA := make(map[string]repomirror.ContentItem, len(linked))
	for _, it := range linked {
		linkedBySHA[it.SHA256.Hex()] = it
	}

	var toLink []int64
	var needFetch []format.Candidate

	for _, c := range want {
		if _, ok := linkedBySHA[c.SHA256]; ok {
			continue // present: already linked to this repo, nothing to do
		}
		if digest, derr := repomirror.ParseDigest(c.SHA256); derr == nil {
			if item, err := e.store.GetContentItemBySHA256(ctx, digest); err == nil {
				toLink = append(toLink, item.ID) // poolhit: in pool already, just link
				continue
			}
		}
		needFetch = append(needFetch, c) // need: must download
	}

	var downloaded, failed int
	var bytesTransferred int64
	var failures []itemFailure

	if len(needFetch) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.parallel())
		linkIDs := make([]int64, len(needFetch))
		var mu stdsync.Mutex

		for i, c := range needFetch {
			i, c := i, c
			g.Go(func() error {
				item, failure := e.fetchAndLink(gctx, repo, c)
				mu.Lock()
				defer mu.Unlock()
				if failure != nil {
					failed++
					failures = append(failures, itemFailure{name: c.Name, err: failure})
					return nil // one item failing doesn't cancel the group
				}
				downloaded++
				bytesTransferred += item.SizeBytes
				linkIDs[i] = item.ID
				return nil
			})
		}
		_ = g.Wait() // errors are per-item, collected above; group itself never fails

		for _, id := range linkIDs {
			if id != 0 {
				toLink = append(toLink, id)
			}
		}
	}

	if len(toLink) > 0 {
		if err := e.store.LinkRepositoryContent(ctx, repo.ID, toLink, e.cfg.BatchSize); err != nil {
			e.closeRun(ctx, runID, store.SyncRunResult{Status: repomirror.SyncFailed, Error: err.Error()})
			return repomirror.SyncRun{}, fmt.Errorf("sync: linking repository content: %w", err)
		}
	}

	if repo.Mode == repomirror.ModeFiltered {
		if err := e.applyRetention(ctx, repo, rc, plugin, linked, want); err != nil {
			e.closeRun(ctx, runID, store.SyncRunResult{Status: repomirror.SyncFailed, Error: err.Error()})
			return repomirror.SyncRun{}, fmt.Errorf("sync: applying retention: %w", err)
		}
	}

	if repo.Mode == repomirror.ModeMirror {
		for _, fc := range candidates.Files {
			if err := e.fetchAndStoreFile(ctx, repo, fc); err != nil {
				failed++
				failures = append(failures, itemFailure{name: fc.OriginalPath, err: err})
				continue
			}
			downloaded++
		}
	}

	if err := e.store.TouchLastSync(ctx, repo.ID, time.Now()); err != nil {
		return repomirror.SyncRun{}, fmt.Errorf("sync: touching last sync: %w", err)
	}

	status := repomirror.SyncSuccess
	var errMsg string
	switch {
	case failed > 0 && downloaded > 0:
		status = repomirror.SyncPartial
	case failed > 0:
		status = repomirror.SyncFailed
	}
	if len(failures) > 0 {
		errMsg = aggregateFailures(failures)
	}

	result := store.SyncRunResult{
		Status: status, Downloaded: downloaded, Skipped: len(linkedBySHA) - failed,
		Failed: failed, BytesTransfer: bytesTransferred, Error: errMsg,
	}
	e.closeRun(ctx, runID, result)

	run := repomirror.SyncRun{
		ID: runID, RepositoryID: repo.ID, StartedAt: started, Status: status,
		Downloaded: downloaded, Skipped: result.Skipped, Failed: failed,
		BytesTransfer: bytesTransferred, Error: errMsg,
	}
	if status == repomirror.SyncFailed && len(failures) > 0 {
		return run, fmt.Errorf("sync: %s", errMsg)
	}
	return run, nil
}

// CheckUpdates fetches and filters rc's upstream candidates exactly as
// SyncRepository would, then diffs them against the repository's currently
// linked content by (name, arch) — without downloading anything or writing
// to the store. Used by the CLI's `repository check-updates` command.
func (e *Engine) CheckUpdates(ctx context.Context, rc RepoConfig) (repomirror.SnapshotDiff, error) {
	repo := rc.Repository
	plugin, ok := e.registry.Lookup(repo.Type)
	if !ok {
		return repomirror.SnapshotDiff{}, &repomirror.Error{
			Op: "sync.CheckUpdates", Kind: repomirror.ErrConfigInvalid,
			Message: fmt.Sprintf("no format plugin registered for content type %q", repo.Type),
		}
	}

	candidates, err := plugin.FetchCandidates(ctx, e.fetcher, repo.FeedURL)
	if err != nil {
		return repomirror.SnapshotDiff{}, fmt.Errorf("sync: fetching candidates: %w", err)
	}

	var want []format.Candidate
	if repo.Mode == repomirror.ModeMirror {
		want = candidates.Items
	} else {
		f, err := filter.New(rc.Filters)
		if err != nil {
			return repomirror.SnapshotDiff{}, fmt.Errorf("sync: building filter: %w", err)
		}
		want = toCandidates(f.Apply(toFilterCandidates(candidates.Items), plugin.Cmp), candidates.Items)
	}

	linked, err := e.store.ListRepositoryContent(ctx, repo.ID, store.ContentFilter{})
	if err != nil {
		return repomirror.SnapshotDiff{}, fmt.Errorf("sync: listing current repository content: %w", err)
	}

	type key struct{ name, arch string }
	byKeyWant := make(map[key]format.Candidate, len(want))
	for _, c := range want {
		byKeyWant[key{c.Name, c.Arch}] = c
	}
	byKeyLinked := make(map[key]repomirror.ContentItem, len(linked))
	for _, it := range linked {
		byKeyLinked[key{it.Name, it.Arch}] = it
	}

	var diff repomirror.SnapshotDiff
	for k, c := range byKeyWant {
		it, ok := byKeyLinked[k]
		if !ok {
			diff.Added = append(diff.Added, repomirror.ContentItem{
				Name: c.Name, Arch: c.Arch, Version: c.Version, ContentType: repo.Type,
			})
			continue
		}
		if it.Version != c.Version {
			diff.Updated = append(diff.Updated, repomirror.VersionChange{Name: k.name, Arch: k.arch, From: it.Version, To: c.Version})
		}
	}
	for k, it := range byKeyLinked {
		if _, ok := byKeyWant[k]; !ok {
			diff.Removed = append(diff.Removed, it)
		}
	}
	sort.Slice(diff.Updated, func(i, j int) bool { return diff.Updated[i].Name < diff.Updated[j].Name })
	return diff, nil
}

// toCandidates maps filtered filter.Candidate results back to their source
// format.Candidate by SHA256.
func toCandidates(kept []filter.Candidate, items []format.Candidate) []format.Candidate {
	byDigest := make(map[string]format.Candidate, len(items))
	for _, c := range items {
		byDigest[c.SHA256] = c
	}
	out := make([]format.Candidate, 0, len(kept))
	for _, fc := range kept {
		out = append(out, byDigest[fc.SHA256])
	}
	return out
}

// toFilterCandidates adapts a format plugin's result into the minimal shape
// the filter engine matches against. RPM-specific Group/License come from
// the plugin's free-form Metadata and are simply empty for other formats,
// which is harmless since rpm.* rules only fire when configured.
func toFilterCandidates(items []format.Candidate) []filter.Candidate {
	out := make([]filter.Candidate, len(items))
	for i, c := range items {
		group, _ := c.Metadata["group"].(string)
		license, _ := c.Metadata["license"].(string)
		out[i] = filter.Candidate{
			Name: c.Name, Version: c.Version, Arch: c.Arch, SHA256: c.SHA256,
			Size: c.SizeBytes, Filename: c.Filename,
			Group: group, License: license,
		}
	}
	return out
}

func (e *Engine) closeRun(ctx context.Context, id int64, result store.SyncRunResult) {
	e.store.CloseSyncRun(ctx, id, result)
}

func (e *Engine) fetchAndLink(ctx context.Context, repo repomirror.Repository, c format.Candidate) (repomirror.ContentItem, error) {
	res, err := e.fetcher.Get(ctx, c.URL, c.SHA256)
	if err != nil {
		return repomirror.ContentItem{}, err
	}
	defer os.Remove(res.TempPath)

	f, err := os.Open(res.TempPath)
	if err != nil {
		return repomirror.ContentItem{}, fmt.Errorf("sync: reopening downloaded file: %w", err)
	}
	defer f.Close()

	addRes, err := e.pool.Add(pool.Content, f, c.Filename, c.SHA256)
	if err != nil {
		return repomirror.ContentItem{}, err
	}

	item := repomirror.ContentItem{
		SHA256: addRes.Digest, Filename: c.Filename, SizeBytes: addRes.Size,
		ContentType: repo.Type, Name: c.Name, Version: c.Version, Arch: c.Arch,
		Metadata: c.Metadata, CreatedAt: time.Now(),
	}
	stored, _, err := e.store.UpsertContentItem(ctx, item)
	if err != nil {
		return repomirror.ContentItem{}, err
	}
	return stored, nil
}

func (e *Engine) fetchAndStoreFile(ctx context.Context, repo repomirror.Repository, fc format.FileCandidate) error {
	res, err := e.fetcher.Get(ctx, fc.URL, fc.SHA256)
	if err != nil {
		return err
	}
	defer os.Remove(res.TempPath)

	f, err := os.Open(res.TempPath)
	if err != nil {
		return fmt.Errorf("sync: reopening downloaded file: %w", err)
	}
	defer f.Close()

	addRes, err := e.pool.Add(pool.Files, f, path.Base(fc.OriginalPath), fc.SHA256)
	if err != nil {
		return err
	}

	_, err = e.store.UpsertRepositoryFile(ctx, repomirror.RepositoryFile{
		RepositoryID: repo.ID, SHA256: addRes.Digest, SizeBytes: addRes.Size,
		FileCategory: fc.FileCategory, FileType: fc.FileType, OriginalPath: fc.OriginalPath,
		Metadata: fc.Metadata, CreatedAt: time.Now(),
	})
	return err
}

// applyRetention implements spec §4.6 step 6: of the currently linked items
// that fell out of want (this sync's filtered set), decide which to unlink
// per the repository's retention policy.
func (e *Engine) applyRetention(ctx context.Context, repo repomirror.Repository, rc RepoConfig, plugin format.Plugin, linked []repomirror.ContentItem, want []format.Candidate) error {
	if rc.Retention == repomirror.RetentionKeepAll || rc.Retention == "" {
		return nil
	}

	wantSHA := make(map[string]bool, len(want))
	bestUpstreamVersion := make(map[string]string) // "name\x00arch" -> highest version still offered upstream
	for _, c := range want {
		wantSHA[c.SHA256] = true
		key := c.Name + "\x00" + c.Arch
		if cur, ok := bestUpstreamVersion[key]; !ok || plugin.Cmp(c.Version, cur) > 0 {
			bestUpstreamVersion[key] = c.Version
		}
	}

	var removed []repomirror.ContentItem
	for _, it := range linked {
		if !wantSHA[it.SHA256.Hex()] {
			removed = append(removed, it)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	var toUnlink []int64
	switch rc.Retention {
	case repomirror.RetentionMirror:
		for _, it := range removed {
			toUnlink = append(toUnlink, it.ID)
		}

	case repomirror.RetentionNewestOnly:
		for _, it := range removed {
			key := it.Name + "\x00" + it.Arch
			best, stillUpstream := bestUpstreamVersion[key]
			switch {
			case stillUpstream && plugin.Cmp(best, it.Version) > 0:
				// superseded by a later version also present upstream
				toUnlink = append(toUnlink, it.ID)
			case !stillUpstream && !rc.DeletedPackagesKeep:
				// vanished from upstream entirely and the operator hasn't
				// asked to keep those
				toUnlink = append(toUnlink, it.ID)
			}
		}

	case repomirror.RetentionKeepLastN:
		n := rc.KeepLastN
		if n <= 0 {
			n = 1
		}
		byKey := make(map[string][]repomirror.ContentItem)
		var order []string
		for _, it := range linked {
			key := it.Name + "\x00" + it.Arch
			if _, ok := byKey[key]; !ok {
				order = append(order, key)
			}
			byKey[key] = append(byKey[key], it)
		}
		retain := make(map[int64]bool, len(linked))
		for _, key := range order {
			group := byKey[key]
			sort.SliceStable(group, func(i, j int) bool {
				return plugin.Cmp(group[i].Version, group[j].Version) > 0
			})
			if n < len(group) {
				group = group[:n]
			}
			for _, it := range group {
				retain[it.ID] = true
			}
		}
		for _, it := range removed {
			if !retain[it.ID] {
				toUnlink = append(toUnlink, it.ID)
			}
		}
	}

	if len(toUnlink) == 0 {
		return nil
	}
	return e.store.UnlinkRepositoryContent(ctx, repo.ID, toUnlink)
}

func aggregateFailures(failures []itemFailure) string {
	msg := fmt.Sprintf("%d item(s) failed:", len(failures))
	for _, f := range failures {
		msg += fmt.Sprintf(" %s: %v;", f.name, f.err)
	}
	return msg
}
