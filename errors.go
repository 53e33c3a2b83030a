package repomirror

import (
	"errors"
	"strings"
)

// Error is the repomirror error domain type.
//
// Components should create an Error at the system boundary (HTTP call,
// filesystem call, SQL call) and intermediate layers should wrap with
// [fmt.Errorf] and "%w" rather than constructing another Error, except to
// attach a different Kind.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Inner != nil {
		if e.Message != "" || e.Op != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] by comparing error kind. Callers should compare
// against a declared [ErrorKind].
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error { return e.Inner }

// ErrorKind represents the classes of error spec §7 distinguishes.
//
// If unsure which kind applies, use ErrFetchFailed's sibling for the
// relevant component rather than inventing a new kind.
type ErrorKind string

// Error implements error, letting an ErrorKind itself be compared with
// [errors.Is] against an *Error's Kind field.
func (k ErrorKind) Error() string { return string(k) }

// Defined error kinds.
const (
	// ErrConfigInvalid marks bad YAML or a semantically inconsistent
	// repository (e.g. mirror mode with filters configured). Fatal for
	// the command that triggered it.
	ErrConfigInvalid = ErrorKind("config-invalid")
	// ErrFetchFailed marks a network/HTTP error surviving all retries.
	// Per-item; the sync continues with other items and closes partial.
	ErrFetchFailed = ErrorKind("fetch-failed")
	// ErrChecksumMismatch marks a downloaded file whose computed sha256
	// didn't match the plugin's expected value. The temp file is deleted
	// and no pool entry is created.
	ErrChecksumMismatch = ErrorKind("checksum-mismatch")
	// ErrPoolIO marks a rename/hardlink/unlink failure in the pool.
	ErrPoolIO = ErrorKind("pool-io-failed")
	// ErrDBConstraint marks a uniqueness or other constraint violation,
	// e.g. a duplicate snapshot name.
	ErrDBConstraint = ErrorKind("db-constraint-violation")
	// ErrUpstreamParse marks a malformed repomd.xml/InRelease/index.yaml/
	// APKINDEX. Command-level; the sync fails outright.
	ErrUpstreamParse = ErrorKind("upstream-parse-error")
	// ErrCancelled marks a caller-requested abort. In-flight work drains
	// and any SyncRun in progress is closed as partial.
	ErrCancelled = ErrorKind("cancelled")
)
