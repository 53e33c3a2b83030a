package rpm

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

const repomdXML = `<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
<data type="primary">
<checksum type="sha256">aaaa</checksum>
<location href="repodata/primary.xml"/>
<size>100</size><open-size>200</open-size>
</data>
</repomd>`

const primaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" packages="1">
<package type="rpm">
<name>vim-common</name><arch>x86_64</arch>
<version epoch="0" ver="9.0.2120" rel="1.el9"/>
<checksum type="sha256" pkgid="YES">d8ebf8bc35f919d43c2f3549c3d5ae167f532f55c96686411d3ea33bee4a37bd</checksum>
<summary>vim common files</summary>
<location href="Packages/v/vim-common-9.0.2120-1.el9.x86_64.rpm"/>
<size package="1234"/>
<format><rpm:license>GPLv2</rpm:license><rpm:group>Applications/Editors</rpm:group></format>
</package>
</metadata>`

func TestFetchCandidatesParsesRepomdAndPrimary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repodata/repomd.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(repomdXML))
	})
	mux.HandleFunc("/repodata/primary.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(primaryXML))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cl, err := fetcher.New(fetcher.Config{}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var p Plugin
	cands, err := p.FetchCandidates(context.Background(), cl, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands.Items) != 1 {
		t.Fatalf("expected 1 package, got %d", len(cands.Items))
	}
	it := cands.Items[0]
	if it.Name != "vim-common" || it.Version != "9.0.2120-1.el9" || it.Arch != "x86_64" {
		t.Fatalf("unexpected candidate: %+v", it)
	}
	if len(cands.Files) != 1 || cands.Files[0].FileType != "primary" {
		t.Fatalf("expected one primary data file, got %+v", cands.Files)
	}
}

func TestCmpOrdersByEpochVersionRelease(t *testing.T) {
	var p Plugin
	if p.Cmp("9.0.2120-1.el9", "9.0.2000-1.el9") <= 0 {
		t.Error("expected 9.0.2120 to be newer than 9.0.2000")
	}
	if p.Cmp("1:1.0-1", "2.0-1") <= 0 {
		t.Error("expected epoch 1 to outrank epoch 0 regardless of version")
	}
}

func TestPublishRegeneratesRepomdAndLinksFiles(t *testing.T) {
	poolDir := t.TempDir()
	targetDir := t.TempDir()

	src := filepath.Join(poolDir, "vim-common-9.0.2120-1.el9.x86_64.rpm")
	if err := os.WriteFile(src, []byte("rpm bytes"), 0o644); err != nil {
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
		{
			Name: "vim-common", Version: "9.0.2120-1.el9", Arch: "x86_64",
			SHA256: digest, Filename: "vim-common-9.0.2120-1.el9.x86_64.rpm", SizeBytes: 9,
			Metadata: map[string]any{"license": "GPLv2", "group": "Applications/Editors", "summary": "vim common files"},
		},
	}

	var p Plugin
	if err := p.Publish(context.Background(), items, nil, targetDir, repomirror.ModeFiltered, link); err != nil {
		t.Fatal(err)
	}

	linked := filepath.Join(targetDir, "Packages", "v", "vim-common-9.0.2120-1.el9.x86_64.rpm")
	if _, err := os.Stat(linked); err != nil {
		t.Fatalf("expected hardlink at %s: %v", linked, err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "repodata", "repomd.xml")); err != nil {
		t.Fatalf("expected repomd.xml: %v", err)
	}
}

func TestPublishMirrorPreservesOriginalLayout(t *testing.T) {
	poolDir := t.TempDir()
	targetDir := t.TempDir()

	src := filepath.Join(poolDir, "vim-common-9.0.2120-1.el9.x86_64.rpm")
	if err := os.WriteFile(src, []byte("rpm bytes"), 0o644); err != nil {
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
		{
			Name: "vim-common", Version: "9.0.2120-1.el9", Arch: "x86_64",
			SHA256: digest, Filename: "vim-common-9.0.2120-1.el9.x86_64.rpm", SizeBytes: 9,
			Metadata: map[string]any{"original_path": "Packages/v/vim-common-9.0.2120-1.el9.x86_64.rpm"},
		},
	}

	var p Plugin
	if err := p.Publish(context.Background(), items, nil, targetDir, repomirror.ModeMirror, link); err != nil {
		t.Fatal(err)
	}

	linked := filepath.Join(targetDir, "Packages", "v", "vim-common-9.0.2120-1.el9.x86_64.rpm")
	if _, err := os.Stat(linked); err != nil {
		t.Fatalf("expected hardlink at original upstream path %s: %v", linked, err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "repodata", "repomd.xml")); err == nil {
		t.Fatal("mirror mode must not regenerate repomd.xml")
	}
}
