// Package deb implements the format.Plugin contract for Debian/APT
// repositories: InRelease/Release parsing, per-component Packages parsing,
// and Packages/Release regeneration on publish, per spec §4.5.
//
// RFC 822 paragraph parsing is grounded verbatim on dpkg/scanner.go's use
// of net/textproto.Reader.ReadMIMEHeader against the dpkg status database,
// the same paragraph-oriented "key: value" format as Packages/Release.
// Version comparison uses github.com/knqyf263/go-deb-version, the
// teacher's own direct dependency.
package deb

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	debversion "github.com/knqyf263/go-deb-version"
	"github.com/ulikunitz/xz"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/format"
)

// Plugin is the DEB format.Plugin. feed is the repository base (e.g.
// "http://archive.ubuntu.com/ubuntu"), and Dist/Components/Architectures
// configure which distribution tree to mirror. An empty Dist means
// "stable"; empty Components/Architectures fall back to the lists in
// Release.
type Plugin struct {
	Dist          string
	Components    []string
	Architectures []string
}

var _ format.Plugin = Plugin{}

func (Plugin) Name() string { return string(repomirror.DEB) }

// Cmp orders Debian version strings ([epoch:]upstream[-revision]) using
// the teacher's go-deb-version comparator.
func (Plugin) Cmp(v1, v2 string) int {
	a, err1 := debversion.NewVersion(v1)
	b, err2 := debversion.NewVersion(v2)
	if err1 != nil || err2 != nil {
		return strings.Compare(v1, v2)
	}
	return a.Compare(b)
}

func joinURL(feed, rel string) string {
	return strings.TrimRight(feed, "/") + "/" + strings.TrimLeft(rel, "/")
}

// FetchCandidates downloads dists/<dist>/InRelease (falling back to
// Release), then for every (component, arch) pair downloads and parses
// binary-<arch>/Packages. In mirror mode every file Release lists (with
// its documented sha256/size/path) is additionally returned as a
// FileCandidate with OriginalPath preserved verbatim.
func (p Plugin) FetchCandidates(ctx context.Context, cl *fetcher.Client, feed string) (format.Candidates, error) {
	dist := p.Dist
	if dist == "" {
		dist = "stable"
	}

	releaseBody, releasePath, err := p.fetchRelease(ctx, cl, feed, dist)
	if err != nil {
		return format.Candidates{}, err
	}

	rel, err := parseRelease(releaseBody)
	if err != nil {
		return format.Candidates{}, err
	}

	var out format.Candidates
	out.Files = append(out.Files, format.FileCandidate{
		URL:          joinURL(feed, releasePath),
		OriginalPath: releasePath,
		FileCategory: "metadata",
		FileType:     "release",
	})
	for relPath, entry := range rel.files {
		out.Files = append(out.Files, format.FileCandidate{
			URL:          joinURL(feed, path.Join("dists", dist, relPath)),
			OriginalPath: path.Join("dists", dist, relPath),
			SHA256:       entry.sha256,
			SizeBytes:    entry.size,
			FileCategory: "metadata",
			FileType:     "release-indexed",
		})
	}

	components := p.Components
	if len(components) == 0 {
		components = rel.components
	}
	arches := p.Architectures
	if len(arches) == 0 {
		arches = rel.architectures
	}

	for _, component := range components {
		for _, arch := range arches {
			items, err := p.fetchPackages(ctx, cl, feed, dist, component, arch)
			if err != nil {
				return format.Candidates{}, err
			}
			out.Items = append(out.Items, items...)
		}
	}
	return out, nil
}

func (p Plugin) fetchRelease(ctx context.Context, cl *fetcher.Client, feed, dist string) ([]byte, string, error) {
	for _, name := range []string{"InRelease", "Release"} {
		relPath := path.Join("dists", dist, name)
		res, err := cl.Get(ctx, joinURL(feed, relPath), "")
		if err != nil {
			continue
		}
		b, rerr := os.ReadFile(res.TempPath)
		os.Remove(res.TempPath)
		if rerr != nil {
			return nil, "", fmt.Errorf("deb: reading %s: %w", name, rerr)
		}
		return b, relPath, nil
	}
	return nil, "", &repomirror.Error{Op: "deb.FetchCandidates", Kind: repomirror.ErrFetchFailed, Message: "neither InRelease nor Release could be fetched"}
}

type releaseEntry struct {
	sha256 string
	size   int64
}

type releaseDoc struct {
	components    []string
	architectures []string
	files         map[string]releaseEntry
}

// parseRelease parses the RFC 822 body of InRelease/Release. InRelease is
// clearsigned (a "-----BEGIN PGP SIGNED MESSAGE-----" wrapper around the
// same body); signature verification is optional and never fatal, per
// spec §4.5, so the signature lines are simply stripped before parsing.
func parseRelease(b []byte) (releaseDoc, error) {
	body := stripClearsign(b)
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(body)))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return releaseDoc{}, &repomirror.Error{Op: "deb.parseRelease", Kind: repomirror.ErrUpstreamParse, Inner: err}
	}

	doc := releaseDoc{files: make(map[string]releaseEntry)}
	doc.components = strings.Fields(hdr.Get("Components"))
	doc.architectures = strings.Fields(hdr.Get("Architectures"))

	// textproto joins the field's continuation lines with single spaces, so
	// the entries arrive as one run of "sha256 size path" triples.
	fields := strings.Fields(hdr.Get("Sha256"))
	for i := 0; i+3 <= len(fields); i += 3 {
		size, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			continue
		}
		doc.files[fields[i+2]] = releaseEntry{sha256: fields[i], size: size}
	}
	return doc, nil
}

func stripClearsign(b []byte) []byte {
	const begin = "-----BEGIN PGP SIGNED MESSAGE-----"
	const sigBegin = "-----BEGIN PGP SIGNATURE-----"
	s := string(b)
	if !strings.HasPrefix(strings.TrimSpace(s), begin) {
		return b
	}
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[i+2:]
	}
	if i := strings.Index(s, sigBegin); i >= 0 {
		s = s[:i]
	}
	return []byte(s)
}

func (p Plugin) fetchPackages(ctx context.Context, cl *fetcher.Client, feed, dist, component, arch string) ([]format.Candidate, error) {
	base := path.Join("dists", dist, component, "binary-"+arch, "Packages")
	for _, ext := range []string{".gz", ".xz", ""} {
		relPath := base + ext
		res, err := cl.Get(ctx, joinURL(feed, relPath), "")
		if err != nil {
			continue
		}
		defer os.Remove(res.TempPath)
		f, err := os.Open(res.TempPath)
		if err != nil {
			return nil, fmt.Errorf("deb: opening %s: %w", relPath, err)
		}
		defer f.Close()

		r, err := decompressFor(ext, f)
		if err != nil {
			return nil, err
		}
		return parsePackages(r, feed, component)
	}
	return nil, &repomirror.Error{Op: "deb.fetchPackages", Kind: repomirror.ErrFetchFailed, Message: base}
}

func decompressFor(ext string, r io.Reader) (io.Reader, error) {
	switch ext {
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("deb: gzip: %w", err)
		}
		return zr, nil
	case ".xz":
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("deb: xz: %w", err)
		}
		return zr, nil
	default:
		return r, nil
	}
}

func parsePackages(r io.Reader, feed, component string) ([]format.Candidate, error) {
	tp := textproto.NewReader(bufio.NewReader(r))
	var out []format.Candidate
	for {
		hdr, err := tp.ReadMIMEHeader()
		if len(hdr) == 0 {
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
		}
		if hdr.Get("Package") == "" {
			if err == io.EOF {
				break
			}
			continue
		}
		size, _ := strconv.ParseInt(hdr.Get("Size"), 10, 64)
		relPath := hdr.Get("Filename")
		out = append(out, format.Candidate{
			Name:      hdr.Get("Package"),
			Version:   hdr.Get("Version"),
			Arch:      hdr.Get("Architecture"),
			SHA256:    hdr.Get("SHA256"),
			SizeBytes: size,
			Filename:  path.Base(relPath),
			URL:       joinURL(feed, relPath),
			Metadata: map[string]any{
				"component":     component,
				"depends":       hdr.Get("Depends"),
				"section":       hdr.Get("Section"),
				"priority":      hdr.Get("Priority"),
				"maintainer":    hdr.Get("Maintainer"),
				"original_path": relPath,
				"purl": format.PURL(string(repomirror.DEB), "debian", hdr.Get("Package"), hdr.Get("Version"),
					map[string]string{"arch": hdr.Get("Architecture")}),
			},
		})
		if err == io.EOF {
			break
		}
	}
	return out, nil
}

// Publish writes pool/<component>/<first-letter>/<srcname>/<filename>
// hardlinks and regenerates Packages (+ gzip) and a minimal Release index
// listing sha256/size for every generated file, per spec §4.5. Signing is
// out of scope.
func (Plugin) Publish(ctx context.Context, items []repomirror.ContentItem, files []repomirror.RepositoryFile, targetDir string, mode format.Mode, link format.LinkFunc) error {
	if mode == repomirror.ModeMirror {
		return format.PublishMirror(items, files, targetDir, link)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	byComponent := make(map[string][]repomirror.ContentItem)
	for _, it := range items {
		component, _ := it.Metadata["component"].(string)
		if component == "" {
			component = "main"
		}
		byComponent[component] = append(byComponent[component], it)
	}

	var releaseFiles bytes.Buffer
	for component, componentItems := range byComponent {
		archGroups := make(map[string][]repomirror.ContentItem)
		for _, it := range componentItems {
			archGroups[it.Arch] = append(archGroups[it.Arch], it)
		}
		for arch, archItems := range archGroups {
			var pkgBuf bytes.Buffer
			for _, it := range archItems {
				firstLetter := strings.ToLower(it.Name[:1])
				srcname, _ := it.Metadata["source"].(string)
				if srcname == "" {
					srcname = it.Name
				}
				relPath := path.Join("pool", component, firstLetter, srcname, it.Filename)
				dest := filepath.Join(targetDir, filepath.FromSlash(relPath))
				if err := link(it.SHA256, it.Filename, dest); err != nil {
					return fmt.Errorf("deb.Publish: linking %s: %w", it.Filename, err)
				}

				fmt.Fprintf(&pkgBuf, "Package: %s\n", it.Name)
				fmt.Fprintf(&pkgBuf, "Version: %s\n", it.Version)
				fmt.Fprintf(&pkgBuf, "Architecture: %s\n", it.Arch)
				fmt.Fprintf(&pkgBuf, "Filename: %s\n", relPath)
				fmt.Fprintf(&pkgBuf, "Size: %d\n", it.SizeBytes)
				fmt.Fprintf(&pkgBuf, "SHA256: %s\n\n", it.SHA256.Hex())
			}

			packagesRel := path.Join(component, "binary-"+arch, "Packages")
			packagesDest := filepath.Join(targetDir, filepath.FromSlash(packagesRel))
			if err := os.MkdirAll(filepath.Dir(packagesDest), 0o755); err != nil {
				return &repomirror.Error{Op: "deb.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
			}
			if err := os.WriteFile(packagesDest, pkgBuf.Bytes(), 0o644); err != nil {
				return &repomirror.Error{Op: "deb.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
			}
			writeReleaseEntry(&releaseFiles, packagesRel, pkgBuf.Bytes())

			var gzBuf bytes.Buffer
			gw := gzip.NewWriter(&gzBuf)
			gw.Write(pkgBuf.Bytes())
			gw.Close()
			if err := os.WriteFile(packagesDest+".gz", gzBuf.Bytes(), 0o644); err != nil {
				return &repomirror.Error{Op: "deb.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
			}
			writeReleaseEntry(&releaseFiles, packagesRel+".gz", gzBuf.Bytes())
		}
	}

	var relBuf bytes.Buffer
	relBuf.WriteString("Codename: repomirror\n")
	relBuf.WriteString("SHA256:\n")
	relBuf.Write(releaseFiles.Bytes())
	if err := os.WriteFile(filepath.Join(targetDir, "Release"), relBuf.Bytes(), 0o644); err != nil {
		return &repomirror.Error{Op: "deb.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}
	return nil
}

func writeReleaseEntry(w io.Writer, relPath string, content []byte) {
	sum := sha256.Sum256(content)
	fmt.Fprintf(w, " %s %d %s\n", hex.EncodeToString(sum[:]), len(content), relPath)
}
