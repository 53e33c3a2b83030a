package repomirror

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"hash"
)

// Digest is a sha256 content digest, represented internally as raw bytes
// and rendered as "sha256:<64 lowercase hex chars>".
//
// The pool (see package pool) uses the bare hex form as part of its on-disk
// filenames; Digest keeps the algorithm-prefixed form for logs, errors, and
// config/JSON round-tripping.
type Digest struct {
	checksum []byte
	repr     string
}

// Checksum returns the raw checksum bytes.
func (d Digest) Checksum() []byte { return d.checksum }

// Hex returns the lowercase hex checksum, with no algorithm prefix. This is
// the form used in pool paths and database primary keys.
func (d Digest) Hex() string {
	if len(d.repr) <= len(algoPrefix) {
		return ""
	}
	return d.repr[len(algoPrefix):]
}

// Hash returns a new sha256 hash instance, for streaming verification.
func (d Digest) Hash() hash.Hash { return sha256.New() }

func (d Digest) String() string { return d.repr }

const algoPrefix = "sha256:"

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	b := make([]byte, len(d.repr))
	copy(b, d.repr)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	s := string(t)
	if i := bytes.IndexByte(t, ':'); i != -1 {
		if s[:i] != "sha256" {
			return &DigestError{msg: fmt.Sprintf("unsupported digest algorithm %q", s[:i])}
		}
		s = s[i+1:]
	}
	b := make([]byte, hex.DecodedLen(len(s)))
	if _, err := hex.Decode(b, []byte(s)); err != nil {
		return &DigestError{msg: "unable to decode digest as hex", inner: err}
	}
	return d.setChecksum(b)
}

// DigestError is the concrete type backing errors returned from Digest's
// methods.
type DigestError struct {
	msg   string
	inner error
}

// Error implements error.
func (e *DigestError) Error() string { return e.msg }

// Unwrap enables errors.Unwrap.
func (e *DigestError) Unwrap() error { return e.inner }

func (d *Digest) setChecksum(b []byte) error {
	if l := len(b); l != sha256.Size {
		return &DigestError{msg: fmt.Sprintf("bad checksum length: %d", l)}
	}
	sb := make([]byte, 0, len(algoPrefix)+hex.EncodedLen(sha256.Size))
	sb = append(sb, algoPrefix...)
	sb = hex.AppendEncode(sb, b)

	d.checksum = b
	d.repr = string(sb)
	return nil
}

// Scan implements sql.Scanner, accepting either the bare hex form (as stored
// in the database) or the algorithm-prefixed form.
func (d *Digest) Scan(i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	default:
		return &DigestError{msg: fmt.Sprintf("invalid digest type: %T", v)}
	}
}

// Value implements driver.Valuer. The database stores the bare hex form,
// matching the pool's filenames and the primary key shape from spec.
func (d Digest) Value() (driver.Value, error) {
	return d.Hex(), nil
}

// NewDigest constructs a Digest from raw sha256 checksum bytes.
func NewDigest(sum []byte) (Digest, error) {
	d := Digest{}
	return d, d.setChecksum(sum)
}

// ParseDigest constructs a Digest from a string, which may be either the
// bare 64-char hex form or the "sha256:"-prefixed form.
func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

// MustParseDigest works like ParseDigest but panics if the string is
// malformed. Intended for tests and constant initialization.
func MustParseDigest(digest string) Digest {
	d, err := ParseDigest(digest)
	if err != nil {
		panic(fmt.Sprintf("digest %s could not be parsed: %v", digest, err))
	}
	return d
}
