package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/config"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "repomirror.yaml")
	body := `
database:
  url: "file:` + filepath.Join(dir, "repomirror.db") + `"
storage:
  base_path: "` + dir + `"
repositories:
  - id: rhel9-baseos
    type: rpm
    feed: "https://example/rhel9/baseos"
  - id: debian-main
    type: deb
    feed: "https://example/debian"
    apt:
      distribution: bookworm
      components: [main]
      architectures: [amd64]
views:
  - name: rhel9-webserver
    repos: [rhel9-baseos]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegistryForRegistersEveryFormat(t *testing.T) {
	cfg := config.Config{Repositories: []config.Repository{
		{ID: "debian-main", Type: repomirror.DEB, APT: config.APTOptions{Distribution: "bookworm", Components: []string{"main"}, Architectures: []string{"amd64"}}},
	}}
	reg := registryFor(cfg.Repositories)
	plugin, ok := reg.Lookup(repomirror.DEB)
	if !ok {
		t.Fatal("expected a deb plugin to be registered")
	}
	if plugin.Name() != string(repomirror.DEB) {
		t.Fatalf("unexpected plugin name %q", plugin.Name())
	}
	for _, ct := range []repomirror.ContentType{repomirror.RPM, repomirror.Helm, repomirror.APK} {
		if _, ok := reg.Lookup(ct); !ok {
			t.Fatalf("expected %s plugin to be registered", ct)
		}
	}
}

func TestLoadWiresCollaborators(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	cc, err := load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer cc.close()

	runtime, cfgRepo, err := cc.repo(context.Background(), "rhel9-baseos")
	if err != nil {
		t.Fatal(err)
	}
	if runtime.Type != repomirror.RPM || cfgRepo.Feed == "" {
		t.Fatalf("unexpected resolved repository: %+v / %+v", runtime, cfgRepo)
	}

	v, ok := cc.view("rhel9-webserver")
	if !ok {
		t.Fatal("expected view to be found")
	}
	rv, err := cc.runtimeView(v)
	if err != nil {
		t.Fatal(err)
	}
	if rv.RepoType != repomirror.RPM || len(rv.Repositories) != 1 {
		t.Fatalf("unexpected runtime view: %+v", rv)
	}
}

func TestRepoUnknownID(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)
	cc, err := load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer cc.close()

	if _, _, err := cc.repo(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown repository id")
	}
}
