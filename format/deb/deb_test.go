package deb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
)

const releaseDoc = `Codename: jammy
Components: main
Architectures: amd64
SHA256:
 d8ebf8bc35f919d43c2f3549c3d5ae167f532f55c96686411d3ea33bee4a37bd 1234 main/binary-amd64/Packages
`

const packagesDoc = `Package: bash
Version: 5.1-6ubuntu1
Architecture: amd64
Filename: pool/main/b/bash/bash_5.1-6ubuntu1_amd64.deb
Size: 1234
SHA256: d8ebf8bc35f919d43c2f3549c3d5ae167f532f55c96686411d3ea33bee4a37bd
Depends: libc6

`

func TestFetchCandidatesParsesReleaseAndPackages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dists/jammy/InRelease", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(releaseDoc))
	})
	mux.HandleFunc("/dists/jammy/main/binary-amd64/Packages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(packagesDoc))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cl, err := fetcher.New(fetcher.Config{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := Plugin{Dist: "jammy"}
	cands, err := p.FetchCandidates(context.Background(), cl, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands.Items) != 1 {
		t.Fatalf("expected 1 package, got %d: %+v", len(cands.Items), cands.Items)
	}
	if cands.Items[0].Name != "bash" || cands.Items[0].Version != "5.1-6ubuntu1" {
		t.Fatalf("unexpected candidate: %+v", cands.Items[0])
	}
}

func TestCmpOrdersDebianVersions(t *testing.T) {
	var p Plugin
	if p.Cmp("5.1-6ubuntu1", "5.0-1") <= 0 {
		t.Error("expected 5.1-6ubuntu1 to be newer than 5.0-1")
	}
	if p.Cmp("1:1.0-1", "9.0-1") <= 0 {
		t.Error("expected epoch 1 to outrank epoch 0")
	}
}

func TestPublishWritesPackagesAndLinks(t *testing.T) {
	targetDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "bash.deb")
	if err := os.WriteFile(src, []byte("deb bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := func(digest repomirror.Digest, filename, destPath string) error {
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		return os.Link(src, destPath)
	}

	digest, err := repomirror.ParseDigest("d8ebf8bc35f919d43c2f3549c3d5ae167f532f55c96686411d3ea33bee4a37bd")
	if err != nil {
		t.Fatal(err)
	}
	items := []repomirror.ContentItem{
		{Name: "bash", Version: "5.1-6ubuntu1", Arch: "amd64", SHA256: digest, Filename: "bash_5.1-6ubuntu1_amd64.deb", SizeBytes: 9,
			Metadata: map[string]any{"component": "main"}},
	}

	var p Plugin
	if err := p.Publish(context.Background(), items, nil, targetDir, repomirror.ModeFiltered, link); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "main", "binary-amd64", "Packages")); err != nil {
		t.Fatalf("expected Packages file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "Release")); err != nil {
		t.Fatalf("expected Release file: %v", err)
	}
}

func TestPublishMirrorPreservesOriginalLayout(t *testing.T) {
	targetDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "bash.deb")
	if err := os.WriteFile(src, []byte("deb bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := func(digest repomirror.Digest, filename, destPath string) error {
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		return os.Link(src, destPath)
	}

	digest, err := repomirror.ParseDigest("d8ebf8bc35f919d43c2f3549c3d5ae167f532f55c96686411d3ea33bee4a37bd")
	if err != nil {
		t.Fatal(err)
	}
	items := []repomirror.ContentItem{
		{Name: "bash", Version: "5.1-6ubuntu1", Arch: "amd64", SHA256: digest, Filename: "bash_5.1-6ubuntu1_amd64.deb", SizeBytes: 9,
			Metadata: map[string]any{"original_path": "pool/main/b/bash/bash_5.1-6ubuntu1_amd64.deb"}},
	}

	var p Plugin
	if err := p.Publish(context.Background(), items, nil, targetDir, repomirror.ModeMirror, link); err != nil {
		t.Fatal(err)
	}
	linked := filepath.Join(targetDir, "pool", "main", "b", "bash", "bash_5.1-6ubuntu1_amd64.deb")
	if _, err := os.Stat(linked); err != nil {
		t.Fatalf("expected hardlink at original upstream path %s: %v", linked, err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "Release")); err == nil {
		t.Fatal("mirror mode must not regenerate Release")
	}
}
