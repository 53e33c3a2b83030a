package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "repomirror.yaml", `
database:
  url: "file:repomirror.db"
storage:
  base_path: "/var/lib/repomirror"
download:
  parallel: 8
repositories:
  - id: rhel9-baseos
    type: rpm
    feed: "https://example/rhel9/baseos"
    mode: filtered
    filters:
      post_processing:
        only_latest_version: true
views:
  - name: rhel9-webserver
    repos: [rhel9-baseos]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0].ID != "rhel9-baseos" {
		t.Fatalf("unexpected repositories: %+v", cfg.Repositories)
	}
	if cfg.Storage.Pool() != filepath.Join("/var/lib/repomirror", "pool") {
		t.Fatalf("unexpected pool path: %s", cfg.Storage.Pool())
	}
	if !cfg.Repositories[0].IsEnabled() {
		t.Fatal("expected repository to default to enabled")
	}
}

func TestLoadMergesIncludedFragments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "extra-repo.yaml", `
repositories:
  - id: rhel9-appstream
    type: rpm
    feed: "https://example/rhel9/appstream"
`)
	path := writeFile(t, dir, "repomirror.yaml", `
database:
  url: "file:repomirror.db"
storage:
  base_path: "/var/lib/repomirror"
include: "extra-*.yaml"
repositories:
  - id: rhel9-baseos
    type: rpm
    feed: "https://example/rhel9/baseos"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Repositories) != 2 {
		t.Fatalf("expected 2 repositories after include merge, got %d: %+v", len(cfg.Repositories), cfg.Repositories)
	}
}

func TestValidateRejectsMirrorWithFilters(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "repomirror.yaml", `
database:
  url: "file:repomirror.db"
storage:
  base_path: "/var/lib/repomirror"
repositories:
  - id: rhel9-baseos
    type: rpm
    feed: "https://example/rhel9/baseos"
    mode: mirror
    filters:
      post_processing:
        only_latest_version: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected mirror+filters conflict to fail validation")
	}
}

func TestValidateRejectsDuplicateRepositoryID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "repomirror.yaml", `
database:
  url: "file:repomirror.db"
storage:
  base_path: "/var/lib/repomirror"
repositories:
  - id: dup
    type: rpm
    feed: "https://example/a"
  - id: dup
    type: rpm
    feed: "https://example/b"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate repository id to fail validation")
	}
}

func TestValidateRejectsUnknownViewMember(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "repomirror.yaml", `
database:
  url: "file:repomirror.db"
storage:
  base_path: "/var/lib/repomirror"
repositories:
  - id: rhel9-baseos
    type: rpm
    feed: "https://example/rhel9/baseos"
views:
  - name: broken
    repos: [does-not-exist]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown view member to fail validation")
	}
}
