// Package repomirror holds the domain types shared by every component of
// the offline package-repository mirror: the content-addressed pool, the
// relational metadata store, the per-format sync/publish plugins, and the
// orchestration layers built on top of them.
package repomirror

import "time"

// ContentType identifies which format plugin produced and owns a
// ContentItem or RepositoryFile.
type ContentType string

// Recognised content types. Format plugins register themselves under one
// of these in a format.Registry.
const (
	RPM  ContentType = "rpm"
	DEB  ContentType = "deb"
	Helm ContentType = "helm"
	APK  ContentType = "apk"
)

// RepoMode selects whether a Repository is synced byte-for-byte (mirror)
// or reduced to a filtered subset with regenerated metadata (filtered).
type RepoMode string

const (
	ModeFiltered RepoMode = "filtered"
	ModeMirror   RepoMode = "mirror"
)

// RetentionPolicy governs which previously-linked ContentItems are
// unlinked from a Repository at the end of a sync, per spec §4.6 step 6.
type RetentionPolicy string

const (
	RetentionMirror     RetentionPolicy = "mirror"
	RetentionNewestOnly RetentionPolicy = "newest-only"
	RetentionKeepAll    RetentionPolicy = "keep-all"
	RetentionKeepLastN  RetentionPolicy = "keep-last-n"
)

// ContentItem is a single addressable artifact: an RPM, a .deb, a chart
// tarball, or an .apk. It is immutable after creation; the sha256 is its
// primary identity and the pool's filename is derived from it.
type ContentItem struct {
	ID          int64
	SHA256      Digest
	Filename    string
	SizeBytes   int64
	ContentType ContentType
	Name        string
	Version     string
	Arch        string
	// Metadata holds type-specific fields (license, group, depends, ...),
	// serialized as JSON in the store. Each plugin validates its own shape
	// on write; the store itself imposes no schema on the contents.
	Metadata  map[string]any
	CreatedAt time.Time
}

// Repository is a named upstream source, created/updated from
// configuration at sync time.
type Repository struct {
	ID          string
	Name        string
	Type        ContentType
	FeedURL     string
	Enabled     bool
	Mode        RepoMode
	LastSyncAt  *time.Time
}

// RepositoryFile is a non-package file mirrored verbatim from upstream
// (metadata, signatures, installer images, kickstart files). Only present
// in mirror mode.
type RepositoryFile struct {
	ID           int64
	RepositoryID string
	SHA256       Digest
	SizeBytes    int64
	FileCategory string
	FileType     string
	OriginalPath string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Snapshot is an immutable, point-in-time subset of a Repository's linked
// ContentItems.
type Snapshot struct {
	ID              int64
	RepositoryID    string
	Name            string
	Description     string
	CreatedAt       time.Time
	PackageCount    int
	TotalSizeBytes  int64
}

// View is a named, ordered list of Repositories of one content type,
// defined in configuration.
type View struct {
	Name         string
	Description  string
	RepoType     ContentType
	Repositories []string // repository IDs, in view order
}

// ViewSnapshot is an atomic bundle of one Snapshot per member of a View.
type ViewSnapshot struct {
	ID             int64
	ViewName       string
	Name           string
	SnapshotIDs    []int64 // ordered, matching the view's repository order
	PackageCount   int
	TotalSizeBytes int64
	CreatedAt      time.Time
}

// SyncStatus is the terminal state of a SyncRun.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
	SyncPartial SyncStatus = "partial"
)

// SyncRun is an append-only audit record of one repository sync.
type SyncRun struct {
	ID            int64
	RepositoryID  string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        SyncStatus
	Downloaded    int
	Skipped       int
	Failed        int
	BytesTransfer int64
	Error         string
}

// SnapshotDiff is the result of comparing two Snapshots of the same
// Repository: items present only in B (added), only in A (removed), and
// present in both under the same (name, arch) but at a different version
// (updated).
type SnapshotDiff struct {
	Added   []ContentItem
	Removed []ContentItem
	Updated []VersionChange
}

// VersionChange records a (name, arch) pair whose version differs between
// two Snapshots, ordered per the owning plugin's Cmp.
type VersionChange struct {
	Name    string
	Arch    string
	From    string
	To      string
}
