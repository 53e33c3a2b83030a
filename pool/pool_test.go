package pool

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/repomirror/repomirror"
)

func open(t *testing.T) *Pool {
	t.Helper()
	p, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAddDedup(t *testing.T) {
	p := open(t)
	data := []byte("vim-common-9.0.2120-1.el9.x86_64.rpm contents")

	r1, err := p.Add(Content, bytes.NewReader(data), "vim-common.rpm", "")
	if err != nil {
		t.Fatal(err)
	}
	if r1.Deduped {
		t.Fatal("first add should not be deduped")
	}

	r2, err := p.Add(Content, bytes.NewReader(data), "vim-common.rpm", "")
	if err != nil {
		t.Fatal(err)
	}
	if !r2.Deduped {
		t.Fatal("second identical add should be deduped")
	}
	if r1.Digest.String() != r2.Digest.String() {
		t.Fatalf("digests differ: %s != %s", r1.Digest, r2.Digest)
	}
	if r1.Path != r2.Path {
		t.Fatalf("paths differ: %s != %s", r1.Path, r2.Path)
	}

	// The pool file both adds resolved to verifies against its digest.
	mismatches, err := p.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("unexpected mismatches: %v", mismatches)
	}
}

func TestAddChecksumMismatch(t *testing.T) {
	p := open(t)
	_, err := p.Add(Content, bytes.NewReader([]byte("hello")), "f.rpm", "0000000000000000000000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	var rerr *repomirror.Error
	if !errors.As(err, &rerr) || rerr.Kind != repomirror.ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	entries, _ := os.ReadDir(p.tmpDir())
	if len(entries) != 0 {
		t.Fatalf("temp file leaked: %v", entries)
	}
}

func TestConcurrentAddConverges(t *testing.T) {
	p := open(t)
	data := []byte("bash-5.1-1.el9.x86_64.rpm")

	const n = 16
	var wg sync.WaitGroup
	results := make([]AddResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Add(Content, bytes.NewReader(data), "bash.rpm", "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	first := results[0].Path
	for i, r := range results {
		if r.Path != first {
			t.Fatalf("result %d has different path: %s != %s", i, r.Path, first)
		}
	}

	entries, _ := os.ReadDir(p.tmpDir())
	if len(entries) != 0 {
		t.Fatalf("temp files leaked: %v", entries)
	}
}

func TestLink(t *testing.T) {
	p := open(t)
	data := []byte("chart contents")
	r, err := p.Add(Content, bytes.NewReader(data), "mychart-1.0.0.tgz", "")
	if err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "published", "mychart-1.0.0.tgz")
	if err := p.Link(Content, r.Digest, "mychart-1.0.0.tgz", dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("linked file content mismatch")
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	poolInfo, err := os.Stat(r.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(info, poolInfo) {
		t.Fatal("expected dst to be a hardlink to the pool file (same inode)")
	}

	// Re-linking replaces the existing destination without error.
	if err := p.Link(Content, r.Digest, "mychart-1.0.0.tgz", dst); err != nil {
		t.Fatal(err)
	}
}

func TestCleanupRemovesUnreferenced(t *testing.T) {
	p := open(t)
	live := []byte("live-item")
	dead := []byte("dead-item")

	rLive, err := p.Add(Content, bytes.NewReader(live), "live.rpm", "")
	if err != nil {
		t.Fatal(err)
	}
	rDead, err := p.Add(Content, bytes.NewReader(dead), "dead.rpm", "")
	if err != nil {
		t.Fatal(err)
	}

	referenced := func(hex string) (bool, error) {
		return hex == rLive.Digest.Hex(), nil
	}

	// No-op cleanup changes nothing when everything is referenced.
	res, err := p.Cleanup(func(string) (bool, error) { return true, nil })
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 0 {
		t.Fatalf("expected no-op cleanup, removed %d", res.Removed)
	}

	res, err = p.Cleanup(referenced)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 {
		t.Fatalf("expected 1 removed, got %d", res.Removed)
	}

	if _, err := os.Stat(rDead.Path); !os.IsNotExist(err) {
		t.Fatalf("expected dead pool file removed, stat err = %v", err)
	}
	if _, err := os.Stat(rLive.Path); err != nil {
		t.Fatalf("expected live pool file to remain: %v", err)
	}
}

func TestStats(t *testing.T) {
	p := open(t)
	if _, err := p.Add(Content, bytes.NewReader([]byte("abc")), "a.rpm", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(Files, bytes.NewReader([]byte("abcd")), "updateinfo.xml.gz", ""); err != nil {
		t.Fatal(err)
	}
	stats, err := p.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.ContentFiles != 1 || stats.ContentBytes != 3 {
		t.Fatalf("unexpected content stats: %+v", stats)
	}
	if stats.RepoFiles != 1 || stats.RepoBytes != 4 {
		t.Fatalf("unexpected repo file stats: %+v", stats)
	}
}
