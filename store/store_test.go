package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/repomirror/repomirror"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "repomirror.db")
	st, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustDigest(t *testing.T, seed byte) repomirror.Digest {
	t.Helper()
	sum := make([]byte, 32)
	for i := range sum {
		sum[i] = seed
	}
	d, err := repomirror.NewDigest(sum)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func seedRepo(t *testing.T, st *Store, id string) {
	t.Helper()
	if err := st.UpsertRepository(context.Background(), repomirror.Repository{
		ID: id, Name: id, Type: repomirror.RPM, FeedURL: "http://example/" + id, Enabled: true, Mode: repomirror.ModeFiltered,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertContentItemDedup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	digest := mustDigest(t, 0xAB)

	item := repomirror.ContentItem{
		SHA256: digest, Filename: "vim-common-9.0.2120-1.el9.x86_64.rpm", SizeBytes: 1024,
		ContentType: repomirror.RPM, Name: "vim-common", Version: "9.0.2120-1.el9", Arch: "x86_64",
		Metadata: map[string]any{"license": "Vim"}, CreatedAt: time.Now(),
	}

	got1, created1, err := st.UpsertContentItem(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if !created1 {
		t.Fatal("expected first upsert to create a row")
	}

	got2, created2, err := st.UpsertContentItem(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Fatal("expected second upsert to find the existing row")
	}
	if got1.ID != got2.ID {
		t.Fatalf("expected same row id, got %d and %d", got1.ID, got2.ID)
	}
}

func TestLinkAndListRepositoryContent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, "rhel9-baseos")

	item, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x01), Filename: "bash.rpm", SizeBytes: 10,
		ContentType: repomirror.RPM, Name: "bash", Version: "5.1-1.el9", Arch: "x86_64",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := st.LinkRepositoryContent(ctx, "rhel9-baseos", []int64{item.ID}, 0); err != nil {
		t.Fatal(err)
	}
	// Re-linking must not error (ON CONFLICT DO NOTHING).
	if err := st.LinkRepositoryContent(ctx, "rhel9-baseos", []int64{item.ID}, 0); err != nil {
		t.Fatal(err)
	}

	items, err := st.ListRepositoryContent(ctx, "rhel9-baseos", ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 linked item, got %d", len(items))
	}

	if err := st.UnlinkRepositoryContent(ctx, "rhel9-baseos", []int64{item.ID}); err != nil {
		t.Fatal(err)
	}
	items, err = st.ListRepositoryContent(ctx, "rhel9-baseos", ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected 0 linked items after unlink, got %d", len(items))
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, "repo-a")

	item, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x02), Filename: "kernel.rpm", SizeBytes: 5000,
		ContentType: repomirror.RPM, Name: "kernel", Version: "5.14.0-360", Arch: "x86_64",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{item.ID}, 0); err != nil {
		t.Fatal(err)
	}

	snap1, err := st.CreateSnapshot(ctx, "repo-a", "2025-01", "january")
	if err != nil {
		t.Fatal(err)
	}
	if snap1.PackageCount != 1 || snap1.TotalSizeBytes != 5000 {
		t.Fatalf("unexpected snapshot: %+v", snap1)
	}

	if _, err := st.CreateSnapshot(ctx, "repo-a", "2025-01", "dup"); err == nil {
		t.Fatal("expected duplicate snapshot name to fail")
	}

	// Simulate an upgrade: relink the repo to a newer kernel version.
	item2, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x03), Filename: "kernel2.rpm", SizeBytes: 5100,
		ContentType: repomirror.RPM, Name: "kernel", Version: "5.14.0-362", Arch: "x86_64",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UnlinkRepositoryContent(ctx, "repo-a", []int64{item.ID}); err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{item2.ID}, 0); err != nil {
		t.Fatal(err)
	}
	nginx, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x04), Filename: "nginx.rpm", SizeBytes: 200,
		ContentType: repomirror.RPM, Name: "nginx", Version: "1.20.2-1", Arch: "x86_64",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{nginx.ID}, 0); err != nil {
		t.Fatal(err)
	}

	snap2, err := st.CreateSnapshot(ctx, "repo-a", "2025-02", "february")
	if err != nil {
		t.Fatal(err)
	}
	if snap2.PackageCount != 2 {
		t.Fatalf("expected 2 packages in 2025-02, got %d", snap2.PackageCount)
	}

	diff, err := st.DiffSnapshots(ctx, "repo-a", "2025-01", "2025-02", func(a, b string) int {
		if a == b {
			return 0
		}
		if a < b {
			return -1
		}
		return 1
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Added) != 1 || diff.Added[0].Name != "nginx" {
		t.Fatalf("unexpected added set: %+v", diff.Added)
	}
	if len(diff.Removed) != 0 {
		t.Fatalf("unexpected removed set: %+v", diff.Removed)
	}
	if len(diff.Updated) != 1 || diff.Updated[0].Name != "kernel" || diff.Updated[0].From != "5.14.0-360" || diff.Updated[0].To != "5.14.0-362" {
		t.Fatalf("unexpected updated set: %+v", diff.Updated)
	}

	copied, err := st.CopySnapshot(ctx, "repo-a", "2025-01", "stable")
	if err != nil {
		t.Fatal(err)
	}
	if copied.PackageCount != snap1.PackageCount || copied.TotalSizeBytes != snap1.TotalSizeBytes {
		t.Fatalf("copy mismatch: %+v vs %+v", copied, snap1)
	}

	if err := st.DeleteSnapshot(ctx, "repo-a", "stable"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetSnapshot(ctx, "repo-a", "stable"); err == nil {
		t.Fatal("expected deleted snapshot lookup to fail")
	}
}

func TestCreateViewSnapshotAtomic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, "baseos")
	seedRepo(t, st, "appstream")

	item, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x05), Filename: "vim.rpm", SizeBytes: 100,
		ContentType: repomirror.RPM, Name: "vim", Version: "9.0-1", Arch: "x86_64", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "baseos", []int64{item.ID}, 0); err != nil {
		t.Fatal(err)
	}

	// baseos already has a snapshot named "v1": creating the view-snapshot
	// collides on that member and the whole transaction must roll back,
	// leaving appstream with no "v1" snapshot either.
	if _, err := st.CreateSnapshot(ctx, "baseos", "v1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateViewSnapshot(ctx, "rhel9-webserver", "v1", "", []string{"baseos", "appstream"}); err == nil {
		t.Fatal("expected CreateViewSnapshot to fail when a member name collides")
	}
	if _, err := st.GetSnapshot(ctx, "appstream", "v1"); err == nil {
		t.Fatal("expected no partial member snapshot to remain on appstream after the rollback")
	}

	vs, err := st.CreateViewSnapshot(ctx, "rhel9-webserver", "v2", "", []string{"baseos", "appstream"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vs.SnapshotIDs) != 2 {
		t.Fatalf("expected 2 member snapshots, got %d", len(vs.SnapshotIDs))
	}
	if _, err := st.GetSnapshot(ctx, "baseos", "v2"); err != nil {
		t.Fatalf("expected member snapshot baseos/v2 to have been created: %v", err)
	}
	if _, err := st.GetSnapshot(ctx, "appstream", "v2"); err != nil {
		t.Fatalf("expected member snapshot appstream/v2 to have been created: %v", err)
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedRepo(t, st, "repo-a")

	id, err := st.OpenSyncRun(ctx, "repo-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CloseSyncRun(ctx, id, SyncRunResult{
		Status: repomirror.SyncSuccess, Downloaded: 3, BytesTransfer: 9_310_000,
	}); err != nil {
		t.Fatal(err)
	}

	runs, err := st.ListSyncRuns(ctx, "repo-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != repomirror.SyncSuccess || runs[0].Downloaded != 3 {
		t.Fatalf("unexpected sync runs: %+v", runs)
	}
	if runs[0].CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestReferencedSHA256(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	digest := mustDigest(t, 0x06)

	referenced, err := st.ReferencedSHA256(ctx, digest.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if referenced {
		t.Fatal("expected unreferenced digest to report false")
	}

	if _, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: digest, Filename: "x.rpm", SizeBytes: 1,
		ContentType: repomirror.RPM, Name: "x", Version: "1", Arch: "noarch", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	referenced, err = st.ReferencedSHA256(ctx, digest.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if !referenced {
		t.Fatal("expected referenced digest to report true")
	}
}
