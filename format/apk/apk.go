// Package apk implements the format.Plugin contract for Alpine APK
// repositories: APKINDEX.tar.gz extraction/parsing and regeneration, per
// spec §4.5.
//
// Stanza parsing is grounded on dpkg/scanner.go's tar.Reader walk (the
// container is a tar archive either way) combined with a bufio.Scanner
// over blank-line-delimited stanzas of single-line "K:value" fields, since
// APKINDEX has no MIME-style header continuation. Version comparison uses
// github.com/knqyf263/go-apk-version, the teacher's own direct dependency.
package apk

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apkversion "github.com/knqyf263/go-apk-version"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/format"
)

// Plugin is the APK format.Plugin. The zero value is ready to use.
type Plugin struct{}

var _ format.Plugin = Plugin{}

func (Plugin) Name() string { return string(repomirror.APK) }

// Cmp orders APK version strings (Debian-like, distinct tokenisation) via
// the teacher's go-apk-version comparator.
func (Plugin) Cmp(v1, v2 string) int {
	a, err1 := apkversion.NewVersion(v1)
	b, err2 := apkversion.NewVersion(v2)
	if err1 != nil || err2 != nil {
		return strings.Compare(v1, v2)
	}
	return a.Compare(b)
}

func joinURL(feed, rel string) string {
	return strings.TrimRight(feed, "/") + "/" + strings.TrimLeft(rel, "/")
}

// FetchCandidates downloads APKINDEX.tar.gz, extracts the APKINDEX member,
// and parses its blank-line-delimited stanzas into Candidates. Upstream's
// checksum field (C:) is base64-encoded SHA-1; it is carried through as
// metadata only, never as the trusted SHA256 (the Pool always computes
// that locally from the downloaded bytes).
func (Plugin) FetchCandidates(ctx context.Context, cl *fetcher.Client, feed string) (format.Candidates, error) {
	res, err := cl.Get(ctx, joinURL(feed, "APKINDEX.tar.gz"), "")
	if err != nil {
		return format.Candidates{}, err
	}
	defer os.Remove(res.TempPath)

	f, err := os.Open(res.TempPath)
	if err != nil {
		return format.Candidates{}, fmt.Errorf("apk: opening APKINDEX.tar.gz: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return format.Candidates{}, &repomirror.Error{Op: "apk.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Message: "APKINDEX.tar.gz", Inner: err}
	}
	tr := tar.NewReader(gz)

	var stanzaData []byte
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return format.Candidates{}, &repomirror.Error{Op: "apk.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Inner: err}
		}
		if filepath.Base(h.Name) == "APKINDEX" {
			b, err := io.ReadAll(tr)
			if err != nil {
				return format.Candidates{}, fmt.Errorf("apk: reading APKINDEX: %w", err)
			}
			stanzaData = b
			break
		}
	}
	if stanzaData == nil {
		return format.Candidates{}, &repomirror.Error{Op: "apk.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Message: "APKINDEX.tar.gz has no APKINDEX member"}
	}

	items, err := parseStanzas(stanzaData, feed)
	if err != nil {
		return format.Candidates{}, err
	}
	files := []format.FileCandidate{{
		URL:          joinURL(feed, "APKINDEX.tar.gz"),
		OriginalPath: "APKINDEX.tar.gz",
		FileCategory: "metadata",
		FileType:     "index",
	}}
	return format.Candidates{Items: items, Files: files}, nil
}

func parseStanzas(data []byte, feed string) ([]format.Candidate, error) {
	var out []format.Candidate
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fields := map[string]string{}
	flush := func() {
		if fields["P"] == "" {
			return
		}
		size, _ := strconv.ParseInt(fields["S"], 10, 64)
		name := fields["P"]
		version := fields["V"]
		filename := fmt.Sprintf("%s-%s.apk", name, version)
		var checksumHex string
		if c := fields["C"]; c != "" {
			if raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(c, "Q1")); err == nil {
				checksumHex = hex.EncodeToString(raw)
			}
		}
		out = append(out, format.Candidate{
			Name:      name,
			Version:   version,
			Arch:      fields["A"],
			SHA256:    "", // upstream carries sha1 only; see doc comment
			SizeBytes: size,
			URL:       joinURL(feed, filename),
			Filename:  filename,
			Metadata: map[string]any{
				"depends":       fields["D"],
				"upstream_sha1": checksumHex,
				"original_path": filename,
				"purl": format.PURL(string(repomirror.APK), "alpine", name, version,
					map[string]string{"arch": fields["A"]}),
			},
		})
		fields = map[string]string{}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if i := strings.IndexByte(line, ':'); i > 0 {
			fields[line[:i]] = line[i+1:]
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, &repomirror.Error{Op: "apk.parseStanzas", Kind: repomirror.ErrUpstreamParse, Inner: err}
	}
	return out, nil
}

// Publish hardlinks each .apk under <arch>/ and regenerates
// APKINDEX.tar.gz from exactly the linked items, per spec §4.5.
func (Plugin) Publish(ctx context.Context, items []repomirror.ContentItem, files []repomirror.RepositoryFile, targetDir string, mode format.Mode, link format.LinkFunc) error {
	if mode == repomirror.ModeMirror {
		return format.PublishMirror(items, files, targetDir, link)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	byArch := make(map[string][]repomirror.ContentItem)
	for _, it := range items {
		byArch[it.Arch] = append(byArch[it.Arch], it)
	}

	for arch, archItems := range byArch {
		archDir := filepath.Join(targetDir, arch)
		if err := os.MkdirAll(archDir, 0o755); err != nil {
			return &repomirror.Error{Op: "apk.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
		}

		var idx bytes.Buffer
		for _, it := range archItems {
			dest := filepath.Join(archDir, it.Filename)
			if err := link(it.SHA256, it.Filename, dest); err != nil {
				return fmt.Errorf("apk.Publish: linking %s: %w", it.Filename, err)
			}
			fmt.Fprintf(&idx, "P:%s\n", it.Name)
			fmt.Fprintf(&idx, "V:%s\n", it.Version)
			fmt.Fprintf(&idx, "A:%s\n", it.Arch)
			fmt.Fprintf(&idx, "S:%d\n", it.SizeBytes)
			if depends, _ := it.Metadata["depends"].(string); depends != "" {
				fmt.Fprintf(&idx, "D:%s\n", depends)
			}
			idx.WriteString("\n")
		}

		var tarBuf bytes.Buffer
		tw := tar.NewWriter(&tarBuf)
		hdr := &tar.Header{Name: "APKINDEX", Mode: 0o644, Size: int64(idx.Len())}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("apk.Publish: tar header: %w", err)
		}
		if _, err := tw.Write(idx.Bytes()); err != nil {
			return fmt.Errorf("apk.Publish: tar write: %w", err)
		}
		if err := tw.Close(); err != nil {
			return fmt.Errorf("apk.Publish: tar close: %w", err)
		}

		var gzBuf bytes.Buffer
		gw := gzip.NewWriter(&gzBuf)
		if _, err := gw.Write(tarBuf.Bytes()); err != nil {
			return fmt.Errorf("apk.Publish: gzip write: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("apk.Publish: gzip close: %w", err)
		}
		if err := os.WriteFile(filepath.Join(archDir, "APKINDEX.tar.gz"), gzBuf.Bytes(), 0o644); err != nil {
			return &repomirror.Error{Op: "apk.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
		}
	}
	return nil
}
