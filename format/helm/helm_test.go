package helm

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

const indexYAML = `apiVersion: v1
generated: "2026-01-01T00:00:00Z"
entries:
  nginx:
    - name: nginx
      version: 15.1.0
      appVersion: "1.25.3"
      digest: sha256:aaaa
      urls:
        - charts/nginx-15.1.0.tgz
`

func TestFetchCandidatesParsesIndex(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(indexYAML))
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
		t.Fatalf("expected 1 chart version, got %d", len(cands.Items))
	}
	if cands.Items[0].Name != "nginx" || cands.Items[0].Version != "15.1.0" {
		t.Fatalf("unexpected candidate: %+v", cands.Items[0])
	}
}

func TestCmpOrdersSemver(t *testing.T) {
	var p Plugin
	if p.Cmp("15.1.0", "15.0.9") <= 0 {
		t.Error("expected 15.1.0 to be newer than 15.0.9")
	}
}

func TestPublishWritesIndexAndLinksCharts(t *testing.T) {
	targetDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "nginx-15.1.0.tgz")
	if err := os.WriteFile(src, []byte("chart bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := func(digest repomirror.Digest, filename, destPath string) error {
		return os.Link(src, destPath)
	}

	digest, err := repomirror.ParseDigest("d8ebf8bc35f919d43c2f3549c3d5ae167f532f55c96686411d3ea33bee4a37bd")
	if err != nil {
		t.Fatal(err)
	}
	items := []repomirror.ContentItem{
		{Name: "nginx", Version: "15.1.0", SHA256: digest, Filename: "nginx-15.1.0.tgz"},
	}

	var p Plugin
	if err := p.Publish(context.Background(), items, nil, targetDir, repomirror.ModeFiltered, link); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "nginx-15.1.0.tgz")); err != nil {
		t.Fatalf("expected linked chart: %v", err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "index.yaml")); err != nil {
		t.Fatalf("expected index.yaml: %v", err)
	}
}

func TestPublishMirrorPreservesOriginalLayout(t *testing.T) {
	targetDir := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "nginx-15.1.0.tgz")
	if err := os.WriteFile(src, []byte("chart bytes"), 0o644); err != nil {
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
		{Name: "nginx", Version: "15.1.0", SHA256: digest, Filename: "nginx-15.1.0.tgz",
			Metadata: map[string]any{"original_path": "charts/nginx-15.1.0.tgz"}},
	}

	var p Plugin
	if err := p.Publish(context.Background(), items, nil, targetDir, repomirror.ModeMirror, link); err != nil {
		t.Fatal(err)
	}
	linked := filepath.Join(targetDir, "charts", "nginx-15.1.0.tgz")
	if _, err := os.Stat(linked); err != nil {
		t.Fatalf("expected hardlink at original upstream path %s: %v", linked, err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "index.yaml")); err == nil {
		t.Fatal("mirror mode must not regenerate index.yaml")
	}
}
