// Package rpm implements the format.Plugin contract for RPM repositories:
// repomd.xml/primary.xml parsing on sync, and primary.xml.gz/repomd.xml
// regeneration on publish, per spec §4.5.
//
// Grounded on aws/internal/alas/updates.go for the encoding/xml struct-tag
// decoding idiom (this is the teacher's own way of parsing upstream XML
// metadata) and on github.com/knqyf263/go-rpm-version, the teacher's direct
// dependency, for version comparison.
package rpm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	rpmversion "github.com/knqyf263/go-rpm-version"
	"github.com/ulikunitz/xz"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/format"
)

// Plugin is the RPM format.Plugin. The zero value is ready to use.
type Plugin struct{}

var _ format.Plugin = Plugin{}

func (Plugin) Name() string { return string(repomirror.RPM) }

// repomd is repodata/repomd.xml, per http://linux.duke.edu/metadata/repo.
type repomd struct {
	XMLName xml.Name     `xml:"repomd"`
	Data    []repomdData `xml:"data"`
}

type repomdData struct {
	Type           string `xml:"type,attr"`
	Checksum       string `xml:"checksum"`
	OpenChecksum   string `xml:"open-checksum"`
	Location       struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Size     int64 `xml:"size"`
	OpenSize int64 `xml:"open-size"`
}

// primaryMetadata is repodata/<hash>-primary.xml(.gz|.xz).
type primaryMetadata struct {
	XMLName  xml.Name        `xml:"metadata"`
	Packages []primaryPkg    `xml:"package"`
}

type primaryPkg struct {
	Type    string `xml:"type,attr"`
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Checksum struct {
		Type  string `xml:"type,attr"`
		PkgID string `xml:"pkgid,attr"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
	Summary  string `xml:"summary"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Size struct {
		Package int64 `xml:"package,attr"`
	} `xml:"size"`
	Format struct {
		License string `xml:"license"`
		Group   string `xml:"group"`
	} `xml:"format"`
}

func version(epoch, ver, rel string) string {
	if epoch == "" || epoch == "0" {
		return fmt.Sprintf("%s-%s", ver, rel)
	}
	return fmt.Sprintf("%s:%s-%s", epoch, ver, rel)
}

// Cmp orders RPM version strings using the standard epoch/version/release
// segment comparator (digits numerically, letters lexicographically,
// tildes sort lowest), via the teacher's go-rpm-version comparator.
func (Plugin) Cmp(v1, v2 string) int {
	a := rpmversion.NewVersion(v1)
	b := rpmversion.NewVersion(v2)
	return a.Compare(b)
}

// FetchCandidates downloads repodata/repomd.xml, finds the primary data
// file, downloads and decompresses it, and parses every <package>. In
// mirror mode (callers distinguish by inspecting Candidates.Files, always
// populated here since the cost of enumerating repomd's <data> entries is
// the same either way) every repomd <data> entry is additionally returned
// as a FileCandidate.
func (p Plugin) FetchCandidates(ctx context.Context, cl *fetcher.Client, feed string) (format.Candidates, error) {
	repomdURL := joinRepoURL(feed, "repodata/repomd.xml")
	res, err := cl.Get(ctx, repomdURL, "")
	if err != nil {
		return format.Candidates{}, err
	}
	defer os.Remove(res.TempPath)

	b, err := os.ReadFile(res.TempPath)
	if err != nil {
		return format.Candidates{}, fmt.Errorf("rpm: reading repomd.xml: %w", err)
	}
	var rm repomd
	if err := xml.Unmarshal(b, &rm); err != nil {
		return format.Candidates{}, &repomirror.Error{Op: "rpm.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Message: "repomd.xml", Inner: err}
	}

	var out format.Candidates
	var primaryHref string
	for _, d := range rm.Data {
		out.Files = append(out.Files, format.FileCandidate{
			URL:          joinRepoURL(feed, d.Location.Href),
			OriginalPath: d.Location.Href,
			SHA256:       d.Checksum,
			SizeBytes:    d.Size,
			FileCategory: "metadata",
			FileType:     d.Type,
		})
		if d.Type == "primary" {
			primaryHref = d.Location.Href
		}
	}
	if primaryHref == "" {
		return format.Candidates{}, &repomirror.Error{Op: "rpm.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Message: "repomd.xml has no primary data entry"}
	}

	primaryURL := joinRepoURL(feed, primaryHref)
	primaryRes, err := cl.Get(ctx, primaryURL, "")
	if err != nil {
		return format.Candidates{}, err
	}
	defer os.Remove(primaryRes.TempPath)

	f, err := os.Open(primaryRes.TempPath)
	if err != nil {
		return format.Candidates{}, fmt.Errorf("rpm: opening primary metadata: %w", err)
	}
	defer f.Close()

	r, err := decompressFor(primaryHref, f)
	if err != nil {
		return format.Candidates{}, err
	}
	doc, err := io.ReadAll(r)
	if err != nil {
		return format.Candidates{}, fmt.Errorf("rpm: decompressing primary metadata: %w", err)
	}

	var md primaryMetadata
	if err := xml.Unmarshal(doc, &md); err != nil {
		return format.Candidates{}, &repomirror.Error{Op: "rpm.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Message: "primary.xml", Inner: err}
	}

	for _, pkg := range md.Packages {
		ver := version(pkg.Version.Epoch, pkg.Version.Ver, pkg.Version.Rel)
		out.Items = append(out.Items, format.Candidate{
			Name:      pkg.Name,
			Version:   ver,
			Arch:      pkg.Arch,
			SHA256:    pkg.Checksum.Value,
			SizeBytes: pkg.Size.Package,
			URL:       joinRepoURL(feed, pkg.Location.Href),
			Filename:  path.Base(pkg.Location.Href),
			Metadata: map[string]any{
				"summary":       pkg.Summary,
				"license":       pkg.Format.License,
				"group":         pkg.Format.Group,
				"original_path": pkg.Location.Href,
				"purl":          format.PURL(string(repomirror.RPM), "", pkg.Name, ver, map[string]string{"arch": pkg.Arch}),
			},
		})
	}
	return out, nil
}

func decompressFor(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("rpm: gzip: %w", err)
		}
		return zr, nil
	case strings.HasSuffix(name, ".xz"):
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("rpm: xz: %w", err)
		}
		return zr, nil
	default:
		return r, nil
	}
}

func joinRepoURL(feed, rel string) string {
	return strings.TrimRight(feed, "/") + "/" + strings.TrimLeft(rel, "/")
}

// Publish writes Packages/<first-letter>/<filename> hardlinks for items and
// regenerates repodata/primary.xml.gz and repodata/repomd.xml describing
// exactly that set, per spec §4.5. GPG signing is out of scope.
func (Plugin) Publish(ctx context.Context, items []repomirror.ContentItem, files []repomirror.RepositoryFile, targetDir string, mode format.Mode, link format.LinkFunc) error {
	if mode == repomirror.ModeMirror {
		return format.PublishMirror(items, files, targetDir, link)
	}

	repodataDir := filepath.Join(targetDir, "repodata")
	if err := os.MkdirAll(repodataDir, 0o755); err != nil {
		return &repomirror.Error{Op: "rpm.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	var primaryBuf bytes.Buffer
	primaryBuf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&primaryBuf, `<metadata xmlns="http://linux.duke.edu/metadata/common" xmlns:rpm="http://linux.duke.edu/metadata/rpm" packages="%d">`+"\n", len(items))

	for _, it := range items {
		firstLetter := strings.ToLower(it.Name[:1])
		href := path.Join("Packages", firstLetter, it.Filename)
		dest := filepath.Join(targetDir, "Packages", firstLetter, it.Filename)
		if err := link(it.SHA256, it.Filename, dest); err != nil {
			return fmt.Errorf("rpm.Publish: linking %s: %w", it.Filename, err)
		}
		epoch, ver, rel := splitEVR(it.Version)
		license, _ := it.Metadata["license"].(string)
		group, _ := it.Metadata["group"].(string)
		summary, _ := it.Metadata["summary"].(string)

		fmt.Fprintf(&primaryBuf, `<package type="rpm">`+"\n")
		fmt.Fprintf(&primaryBuf, `<name>%s</name><arch>%s</arch>`+"\n", xmlEscape(it.Name), xmlEscape(it.Arch))
		fmt.Fprintf(&primaryBuf, `<version epoch="%s" ver="%s" rel="%s"/>`+"\n", xmlEscape(epoch), xmlEscape(ver), xmlEscape(rel))
		fmt.Fprintf(&primaryBuf, `<checksum type="sha256" pkgid="YES">%s</checksum>`+"\n", it.SHA256.Hex())
		fmt.Fprintf(&primaryBuf, `<summary>%s</summary>`+"\n", xmlEscape(summary))
		fmt.Fprintf(&primaryBuf, `<location href="%s"/>`+"\n", xmlEscape(href))
		fmt.Fprintf(&primaryBuf, `<size package="%d"/>`+"\n", it.SizeBytes)
		fmt.Fprintf(&primaryBuf, `<format><rpm:license>%s</rpm:license><rpm:group>%s</rpm:group></format>`+"\n", xmlEscape(license), xmlEscape(group))
		fmt.Fprintf(&primaryBuf, `</package>`+"\n")
	}
	primaryBuf.WriteString(`</metadata>` + "\n")

	openSum := sha256.Sum256(primaryBuf.Bytes())
	openSize := int64(primaryBuf.Len())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(primaryBuf.Bytes()); err != nil {
		return fmt.Errorf("rpm: gzip primary.xml: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("rpm: gzip primary.xml: %w", err)
	}
	gzSum := sha256.Sum256(gzBuf.Bytes())

	primaryName := hex.EncodeToString(gzSum[:]) + "-primary.xml.gz"
	if err := os.WriteFile(filepath.Join(repodataDir, primaryName), gzBuf.Bytes(), 0o644); err != nil {
		return &repomirror.Error{Op: "rpm.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}

	var rmBuf bytes.Buffer
	rmBuf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	rmBuf.WriteString(`<repomd xmlns="http://linux.duke.edu/metadata/repo">` + "\n")
	fmt.Fprintf(&rmBuf, `<data type="primary">`+"\n")
	fmt.Fprintf(&rmBuf, `<checksum type="sha256">%s</checksum>`+"\n", hex.EncodeToString(gzSum[:]))
	fmt.Fprintf(&rmBuf, `<open-checksum type="sha256">%s</open-checksum>`+"\n", hex.EncodeToString(openSum[:]))
	fmt.Fprintf(&rmBuf, `<location href="repodata/%s"/>`+"\n", primaryName)
	fmt.Fprintf(&rmBuf, `<size>%d</size><open-size>%d</open-size>`+"\n", gzBuf.Len(), openSize)
	rmBuf.WriteString(`</data>` + "\n")
	rmBuf.WriteString(`</repomd>` + "\n")

	if err := os.WriteFile(filepath.Join(repodataDir, "repomd.xml"), rmBuf.Bytes(), 0o644); err != nil {
		return &repomirror.Error{Op: "rpm.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}
	return nil
}

func splitEVR(v string) (epoch, ver, rel string) {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		epoch = v[:i]
		v = v[i+1:]
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		ver = v[:i]
		rel = v[i+1:]
		return
	}
	ver = v
	return
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
