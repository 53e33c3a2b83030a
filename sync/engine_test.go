package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/filter"
	"github.com/repomirror/repomirror/format"
	"github.com/repomirror/repomirror/format/rpm"
	"github.com/repomirror/repomirror/pool"
	"github.com/repomirror/repomirror/store"
)

const kernelV1 = "kernel package bytes v1"
const kernelV1SHA256 = "48e3a98494c091b8abd9fcb91ff499e7a52f4efd9eee1cc4177cdbc9f808d40c"
const kernelV2 = "kernel package bytes v2"
const kernelV2SHA256 = "66fe7474dace019efbd2a0d656371cd5f1e70fe6caf28628777908538145032d"

func repomdXML(checksum string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
<data type="primary">
<checksum type="sha256">%s</checksum>
<location href="repodata/primary.xml"/>
<size>100</size><open-size>200</open-size>
</data>
</repomd>`, checksum)
}

func primaryXML(version, sha256, size string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" packages="1">
<package type="rpm">
<name>kernel</name><arch>x86_64</arch>
<version epoch="0" ver="%s" rel="1.el9"/>
<checksum type="sha256" pkgid="YES">%s</checksum>
<summary>the kernel</summary>
<location href="Packages/k/kernel-%s-1.el9.x86_64.rpm"/>
<size package="%s"/>
<format><rpm:license>GPLv2</rpm:license><rpm:group>System Environment/Kernel</rpm:group></format>
</package>
</metadata>`, version, sha256, version, size)
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *pool.Pool) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "repomirror.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	pl, err := pool.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cl, err := fetcher.New(fetcher.Config{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	reg := format.Registry{repomirror.RPM: rpm.Plugin{}}
	return New(st, pl, cl, reg, Config{}), st, pl
}

func serveRepo(t *testing.T, version, sha256, body string) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(repomdXML(sha256)))
	})
	mux.HandleFunc("/repodata/primary.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(primaryXML(version, sha256, fmt.Sprintf("%d", len(body)))))
	})
	mux.HandleFunc(fmt.Sprintf("/Packages/k/kernel-%s-1.el9.x86_64.rpm", version), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSyncRepositoryDownloadsAndLinks(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	url := serveRepo(t, "5.14.0-360", kernelV1SHA256, kernelV1)

	repo := repomirror.Repository{ID: "repo-a", Name: "repo-a", Type: repomirror.RPM, FeedURL: url, Enabled: true, Mode: repomirror.ModeFiltered}
	run, err := eng.SyncRepository(ctx, RepoConfig{Repository: repo, Retention: repomirror.RetentionKeepAll})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != repomirror.SyncSuccess || run.Downloaded != 1 {
		t.Fatalf("unexpected sync run: %+v", run)
	}

	linked, err := st.ListRepositoryContent(ctx, "repo-a", store.ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 1 || linked[0].Name != "kernel" || linked[0].Version != "5.14.0-360" {
		t.Fatalf("unexpected linked content: %+v", linked)
	}
}

func TestSyncRepositoryRetentionNewestOnly(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)

	url1 := serveRepo(t, "5.14.0-360", kernelV1SHA256, kernelV1)
	repo := repomirror.Repository{ID: "repo-a", Name: "repo-a", Type: repomirror.RPM, FeedURL: url1, Enabled: true, Mode: repomirror.ModeFiltered}
	rc := RepoConfig{Repository: repo, Retention: repomirror.RetentionNewestOnly}
	if _, err := eng.SyncRepository(ctx, rc); err != nil {
		t.Fatal(err)
	}

	url2 := serveRepo(t, "5.14.0-362", kernelV2SHA256, kernelV2)
	repo.FeedURL = url2
	rc.Repository = repo
	run, err := eng.SyncRepository(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != repomirror.SyncSuccess {
		t.Fatalf("unexpected sync run: %+v", run)
	}

	linked, err := st.ListRepositoryContent(ctx, "repo-a", store.ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 1 || linked[0].Version != "5.14.0-362" {
		t.Fatalf("expected only the newer kernel to remain linked, got %+v", linked)
	}
}

func TestCheckUpdatesReportsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	url := serveRepo(t, "5.14.0-360", kernelV1SHA256, kernelV1)

	repo := repomirror.Repository{ID: "repo-a", Name: "repo-a", Type: repomirror.RPM, FeedURL: url, Enabled: true, Mode: repomirror.ModeFiltered}
	diff, err := eng.CheckUpdates(ctx, RepoConfig{Repository: repo, Filters: filter.Config{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Added) != 1 || diff.Added[0].Name != "kernel" {
		t.Fatalf("expected kernel reported as added, got %+v", diff.Added)
	}

	linked, err := st.ListRepositoryContent(ctx, "repo-a", store.ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 0 {
		t.Fatalf("CheckUpdates must not write to the store, found %d linked items", len(linked))
	}
}
