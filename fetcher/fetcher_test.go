package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/repomirror/repomirror"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cl, err := New(Config{RetryAttempts: 3, Timeout: 5 * time.Second}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return cl
}

func TestGetVerifiesChecksum(t *testing.T) {
	body := []byte("bash-5.1-1.el9.x86_64.rpm contents")
	sum := sha256.Sum256(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	cl := testClient(t)
	res, err := cl.Get(context.Background(), srv.URL, hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(res.TempPath)
	if res.Size != int64(len(body)) {
		t.Fatalf("expected size %d, got %d", len(body), res.Size)
	}
	got, err := os.ReadFile(res.TempPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatal("temp file content mismatch")
	}
}

func TestGetChecksumMismatchDeletesTemp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unexpected bytes"))
	}))
	defer srv.Close()

	cl := testClient(t)
	_, err := cl.Get(context.Background(), srv.URL, "0000000000000000000000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	var rerr *repomirror.Error
	if !errors.As(err, &rerr) || rerr.Kind != repomirror.ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	entries, _ := os.ReadDir(cl.tmpDir)
	if len(entries) != 0 {
		t.Fatalf("temp file leaked: %v", entries)
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls int32
	body := []byte("ok")
	sum := sha256.Sum256(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	cl := testClient(t)
	res, err := cl.Get(context.Background(), srv.URL, hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	defer os.Remove(res.TempPath)
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestGetFetchFailedAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cl, err := New(Config{RetryAttempts: 2}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Two attempts mean one real 500ms backoff sleep; the elapsed-time check
	// below catches a backoff far longer than that.
	start := time.Now()
	_, err = cl.Get(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected error")
	}
	var rerr *repomirror.Error
	if !errors.As(err, &rerr) || rerr.Kind != repomirror.ErrFetchFailed {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("retry backoff took too long for a 2-attempt test: %s", time.Since(start))
	}
}

func TestGetConditionalNotModified(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "repomd body")
	}))
	defer srv.Close()

	cl := testClient(t)
	cache := NewCache(nil)

	body, entry, err := cl.GetConditional(context.Background(), srv.URL, cache)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(body)
	body.Close()
	if string(b) != "repomd body" {
		t.Fatalf("unexpected body: %q", b)
	}
	cache.Set(srv.URL, entry)

	_, _, err = cl.GetConditional(context.Background(), srv.URL, cache)
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("expected ErrNotModified on second fetch, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestGetCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cl := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := cl.Get(ctx, srv.URL, "")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
