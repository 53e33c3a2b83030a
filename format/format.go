// Package format defines the per-ecosystem plugin contract (spec §4.5) and
// a registry mapping content_type to plugin implementation. Concrete
// plugins live in the rpm, deb, helm, and apk subpackages.
package format

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/package-url/packageurl-go"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
)

// Candidate is a single upstream item discovered during FetchCandidates,
// not yet downloaded. Size and SHA256 come from upstream metadata; the
// pool recomputes SHA256 itself once the bytes are actually fetched
// (upstream checksums are treated as a pre-filter hint, not ground truth,
// except where the format guarantees them, as RPM's sha256 checksums do).
type Candidate struct {
	Name      string
	Version   string
	Arch      string
	SHA256    string
	SizeBytes int64
	URL       string
	Filename  string
	Metadata  map[string]any
}

// FileCandidate is a non-package file discovered in mirror mode (repodata,
// Release, by-hash entries, signatures, ...).
type FileCandidate struct {
	URL          string
	OriginalPath string
	SHA256       string
	SizeBytes    int64
	FileCategory string
	FileType     string
	Metadata     map[string]any
}

// Candidates is the full result of one FetchCandidates call.
type Candidates struct {
	Items []Candidate
	Files []FileCandidate
}

// Mode selects filtered vs. mirror publishing, matching
// repomirror.RepoMode but scoped to the format package's own call shape.
type Mode = repomirror.RepoMode

// LinkFunc hardlinks the pool object identified by digest/filename to
// destPath, creating destPath's parent directories as needed. The publish
// package binds this to pool.Pool.Link (with its Kind already fixed to
// pool.Content or pool.Files) before calling a Plugin's Publish, so plugins
// never need a direct pool reference.
type LinkFunc func(digest repomirror.Digest, filename, destPath string) error

// Plugin is the contract every format package implements, per spec §4.5.
type Plugin interface {
	// Name identifies the plugin, equal to its repomirror.ContentType value.
	Name() string

	// FetchCandidates retrieves and parses the upstream index for feed,
	// returning every item (and, relevant only in mirror mode, every
	// non-package file) it describes.
	FetchCandidates(ctx context.Context, cl *fetcher.Client, feed string) (Candidates, error)

	// Cmp orders two version strings for the same (name, arch), positive
	// when v1 is newer than v2. Used by the filter engine's
	// only_latest_* post-processing and by snapshot-diff's "updated"
	// category.
	Cmp(v1, v2 string) int

	// Publish regenerates (filtered mode) or mirrors (mirror mode)
	// format-correct layout for the given items and files under
	// targetDir, hardlinking content from the pool via link.
	Publish(ctx context.Context, items []repomirror.ContentItem, files []repomirror.RepositoryFile, targetDir string, mode Mode, link LinkFunc) error
}

// PURL builds the package-url string a plugin should record under its
// Candidate's Metadata["purl"], grounded on the teacher's per-ecosystem
// GeneratePURL functions (debian/purl.go, alpine/purl.go, rhel/purl.go):
// the same packageurl.PackageURL{Type, Namespace, Name, Version,
// Qualifiers} shape, generalized into one helper shared by all four
// plugins instead of one GeneratePURL per teacher ecosystem package.
func PURL(typ, namespace, name, version string, qualifiers map[string]string) string {
	p := packageurl.PackageURL{
		Type:       typ,
		Namespace:  namespace,
		Name:       name,
		Version:    version,
		Qualifiers: packageurl.QualifiersFromMap(qualifiers),
	}
	return p.String()
}

// Registry maps a repomirror.ContentType to its Plugin, following the
// teacher's "struct of factory funcs, not an interface hierarchy" idiom
// (dpkg/ecosystem.go) rather than a type-switch or class hierarchy.
type Registry map[repomirror.ContentType]Plugin

// Lookup returns the plugin registered for ct, or (nil, false).
func (r Registry) Lookup(ct repomirror.ContentType) (Plugin, bool) {
	p, ok := r[ct]
	return p, ok
}

// PublishMirror implements the mirror-mode half of spec §4.5's Publish
// contract, shared across every format: hardlink each linked ContentItem
// and RepositoryFile to the exact upstream-relative path recorded at sync
// time, without regenerating any metadata. A plugin's Publish dispatches
// here when mode == repomirror.ModeMirror before falling through to its
// own filtered-mode regeneration.
//
// ContentItem.Metadata["original_path"] carries the upstream-relative path
// a plugin's FetchCandidates recorded for the item (falling back to its
// bare Filename when absent, e.g. for formats where the two coincide).
func PublishMirror(items []repomirror.ContentItem, files []repomirror.RepositoryFile, targetDir string, link LinkFunc) error {
	for _, it := range items {
		rel, _ := it.Metadata["original_path"].(string)
		if rel == "" {
			rel = it.Filename
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(rel))
		if err := link(it.SHA256, it.Filename, dest); err != nil {
			return fmt.Errorf("format.PublishMirror: linking %s: %w", rel, err)
		}
	}
	for _, f := range files {
		dest := filepath.Join(targetDir, filepath.FromSlash(f.OriginalPath))
		if err := link(f.SHA256, filepath.Base(f.OriginalPath), dest); err != nil {
			return fmt.Errorf("format.PublishMirror: linking %s: %w", f.OriginalPath, err)
		}
	}
	return nil
}
