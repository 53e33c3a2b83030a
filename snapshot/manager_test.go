package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/format"
	"github.com/repomirror/repomirror/format/rpm"
	"github.com/repomirror/repomirror/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "repomirror.db")
	st, err := store.Open(context.Background(), dsn)
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

func testRegistry() format.Registry {
	return format.Registry{repomirror.RPM: rpm.Plugin{}}
}

func TestManagerCreateListShowContent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mgr := New(st, testRegistry())

	if err := st.UpsertRepository(ctx, repomirror.Repository{
		ID: "repo-a", Name: "repo-a", Type: repomirror.RPM, FeedURL: "http://example/repo-a",
		Enabled: true, Mode: repomirror.ModeFiltered,
	}); err != nil {
		t.Fatal(err)
	}
	item, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x10), Filename: "bash.rpm", SizeBytes: 10,
		ContentType: repomirror.RPM, Name: "bash", Version: "5.1-1.el9", Arch: "x86_64",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{item.ID}, 0); err != nil {
		t.Fatal(err)
	}

	snap, err := mgr.Create(ctx, "repo-a", "2025-01", "january")
	if err != nil {
		t.Fatal(err)
	}
	if snap.PackageCount != 1 {
		t.Fatalf("expected 1 package, got %d", snap.PackageCount)
	}

	list, err := mgr.List(ctx, "repo-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "2025-01" {
		t.Fatalf("unexpected list: %+v", list)
	}

	shown, err := mgr.Show(ctx, "repo-a", "2025-01")
	if err != nil {
		t.Fatal(err)
	}
	if shown.ID != snap.ID {
		t.Fatalf("expected Show to return the same snapshot, got %+v", shown)
	}

	content, err := mgr.Content(ctx, "repo-a", "2025-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 1 || content[0].Name != "bash" {
		t.Fatalf("unexpected content: %+v", content)
	}
}

func TestManagerCopyIsZeroIO(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mgr := New(st, testRegistry())

	if err := st.UpsertRepository(ctx, repomirror.Repository{
		ID: "repo-a", Name: "repo-a", Type: repomirror.RPM, FeedURL: "http://example/repo-a",
		Enabled: true, Mode: repomirror.ModeFiltered,
	}); err != nil {
		t.Fatal(err)
	}
	item, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x11), Filename: "vim.rpm", SizeBytes: 100,
		ContentType: repomirror.RPM, Name: "vim", Version: "9.0-1", Arch: "x86_64", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{item.ID}, 0); err != nil {
		t.Fatal(err)
	}
	src, err := mgr.Create(ctx, "repo-a", "2025-01", "")
	if err != nil {
		t.Fatal(err)
	}

	dst, err := mgr.Copy(ctx, "repo-a", "2025-01", "stable")
	if err != nil {
		t.Fatal(err)
	}
	if dst.PackageCount != src.PackageCount || dst.TotalSizeBytes != src.TotalSizeBytes {
		t.Fatalf("copy mismatch: %+v vs %+v", dst, src)
	}

	if err := mgr.Delete(ctx, "repo-a", "stable"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Show(ctx, "repo-a", "stable"); err == nil {
		t.Fatal("expected deleted snapshot lookup to fail")
	}
}

func TestManagerDiffOrdersByPluginCmp(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mgr := New(st, testRegistry())

	repo := repomirror.Repository{
		ID: "repo-a", Name: "repo-a", Type: repomirror.RPM, FeedURL: "http://example/repo-a",
		Enabled: true, Mode: repomirror.ModeFiltered,
	}
	if err := st.UpsertRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}

	kernel1, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x12), Filename: "kernel1.rpm", SizeBytes: 1,
		ContentType: repomirror.RPM, Name: "kernel", Version: "5.14.0-360", Arch: "x86_64", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{kernel1.ID}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(ctx, "repo-a", "2025-01", ""); err != nil {
		t.Fatal(err)
	}

	kernel2, _, err := st.UpsertContentItem(ctx, repomirror.ContentItem{
		SHA256: mustDigest(t, 0x13), Filename: "kernel2.rpm", SizeBytes: 1,
		ContentType: repomirror.RPM, Name: "kernel", Version: "5.14.0-362", Arch: "x86_64", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UnlinkRepositoryContent(ctx, "repo-a", []int64{kernel1.ID}); err != nil {
		t.Fatal(err)
	}
	if err := st.LinkRepositoryContent(ctx, "repo-a", []int64{kernel2.ID}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(ctx, "repo-a", "2025-02", ""); err != nil {
		t.Fatal(err)
	}

	diff, err := mgr.Diff(ctx, repo, "2025-01", "2025-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Updated) != 1 || diff.Updated[0].From != "5.14.0-360" || diff.Updated[0].To != "5.14.0-362" {
		t.Fatalf("unexpected diff: %+v", diff)
	}
}

func TestManagerDiffUnknownContentType(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mgr := New(st, format.Registry{})

	repo := repomirror.Repository{ID: "repo-a", Type: repomirror.DEB}
	if _, err := mgr.Diff(ctx, repo, "a", "b"); err == nil {
		t.Fatal("expected error for unregistered content type")
	}
}
