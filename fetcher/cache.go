package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/repomirror/repomirror"
)

// ErrNotModified is returned by GetConditional when the server reports the
// resource unchanged (HTTP 304), per spec §4.3.
var ErrNotModified = errors.New("fetcher: not modified")

// CacheEntry is the small amount of per-URL state a conditional GET needs.
type CacheEntry struct {
	ETag         string
	LastModified string
}

// Cache is a guarded in-memory per-host/per-URL cache of CacheEntry. There's
// no ecosystem KV store in the example corpus sized for something this
// small, so this is a plain mutex-guarded map (see DESIGN.md). Cache is
// purely an in-process memoization; nothing in this module persists its
// entries across process restarts.
type Cache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
}

// NewCache returns an empty Cache, optionally seeded from persisted state.
func NewCache(seed map[string]CacheEntry) *Cache {
	c := &Cache{entries: make(map[string]CacheEntry, len(seed))}
	for k, v := range seed {
		c.entries[k] = v
	}
	return c
}

// Get returns the cached entry for url, if any.
func (c *Cache) Get(url string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	return e, ok
}

// Set stores the entry for url.
func (c *Cache) Set(url string, e CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = e
}

// Snapshot returns a copy of the cache suitable for persistence.
func (c *Cache) Snapshot() map[string]CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// GetConditional performs a GET against rawURL carrying If-None-Match /
// If-Modified-Since headers from cache's prior entry, if any. On a 304 it
// returns ErrNotModified without reading a body. On 200 it returns the body
// (caller must close) along with the entry to store for next time.
//
// Grounded on chainguard/updater.go's If-None-Match HEAD pattern, extended
// to a full GET since metadata fetches need the body on a cache miss.
func (c *Client) GetConditional(ctx context.Context, rawURL string, cache *Cache) (io.ReadCloser, CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, CacheEntry{}, fmt.Errorf("fetcher: building request: %w", err)
	}
	if cache != nil {
		if e, ok := cache.Get(rawURL); ok {
			if e.ETag != "" {
				req.Header.Set("If-None-Match", e.ETag)
			}
			if e.LastModified != "" {
				req.Header.Set("If-Modified-Since", e.LastModified)
			}
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, CacheEntry{}, &repomirror.Error{Op: "fetcher.GetConditional", Kind: repomirror.ErrFetchFailed, Message: rawURL, Inner: err}
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		resp.Body.Close()
		return nil, CacheEntry{}, ErrNotModified
	case http.StatusOK:
		entry := CacheEntry{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}
		return resp.Body, entry, nil
	default:
		resp.Body.Close()
		return nil, CacheEntry{}, &repomirror.Error{
			Op: "fetcher.GetConditional", Kind: repomirror.ErrFetchFailed,
			Message: fmt.Sprintf("%s: unexpected status %s", rawURL, resp.Status),
		}
	}
}
