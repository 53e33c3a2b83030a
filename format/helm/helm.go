// Package helm implements the format.Plugin contract for Helm chart
// repositories: index.yaml parsing and regeneration, per spec §4.5.
//
// index.yaml decoding uses gopkg.in/yaml.v3, shared with configuration
// (SPEC_FULL.md [AMBIENT] Configuration) and grounded on the same
// yaml.v3-family decoding the teacher and projectsveltos-libsveltos/
// sunxth-ocpack use for chart-adjacent manifests. Version ordering uses
// github.com/Masterminds/semver/v3, an ecosystem import not present in
// claircore itself but a direct dependency of the Helm-adjacent examples
// in the pack.
package helm

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/fetcher"
	"github.com/repomirror/repomirror/format"
)

// Plugin is the Helm format.Plugin. The zero value is ready to use.
type Plugin struct{}

var _ format.Plugin = Plugin{}

func (Plugin) Name() string { return string(repomirror.Helm) }

// Cmp orders SemVer strings, falling back to a lexical compare for
// anything that fails to parse (Helm doesn't strictly require SemVer,
// though almost every published chart uses it).
func (Plugin) Cmp(v1, v2 string) int {
	a, err1 := semver.NewVersion(v1)
	b, err2 := semver.NewVersion(v2)
	if err1 != nil || err2 != nil {
		return strings.Compare(v1, v2)
	}
	return a.Compare(b)
}

// chartIndex mirrors the subset of Helm's index.yaml this plugin reads and
// writes: apiVersion, generated timestamp, and a map of chart name to its
// list of published versions.
type chartIndex struct {
	APIVersion string                    `yaml:"apiVersion"`
	Generated  string                    `yaml:"generated,omitempty"`
	Entries    map[string][]chartVersion `yaml:"entries"`
}

type chartVersion struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	AppVersion string `yaml:"appVersion,omitempty"`
	Digest  string   `yaml:"digest"`
	URLs    []string `yaml:"urls"`
}

func joinURL(feed, rel string) string {
	return strings.TrimRight(feed, "/") + "/" + strings.TrimLeft(rel, "/")
}

// FetchCandidates downloads index.yaml and returns one Candidate per chart
// version entry. Size is left at 0 here since index.yaml doesn't carry it
// reliably across all Helm repository generators; the Pool computes the
// real size once the chart is actually fetched.
func (Plugin) FetchCandidates(ctx context.Context, cl *fetcher.Client, feed string) (format.Candidates, error) {
	res, err := cl.Get(ctx, joinURL(feed, "index.yaml"), "")
	if err != nil {
		return format.Candidates{}, err
	}
	defer os.Remove(res.TempPath)

	b, err := os.ReadFile(res.TempPath)
	if err != nil {
		return format.Candidates{}, fmt.Errorf("helm: reading index.yaml: %w", err)
	}

	var idx chartIndex
	if err := yaml.Unmarshal(b, &idx); err != nil {
		return format.Candidates{}, &repomirror.Error{Op: "helm.FetchCandidates", Kind: repomirror.ErrUpstreamParse, Message: "index.yaml", Inner: err}
	}

	var out format.Candidates
	out.Files = append(out.Files, format.FileCandidate{
		URL:          joinURL(feed, "index.yaml"),
		OriginalPath: "index.yaml",
		FileCategory: "metadata",
		FileType:     "index",
	})
	for name, versions := range idx.Entries {
		for _, v := range versions {
			if len(v.URLs) == 0 {
				continue
			}
			relPath := v.URLs[0]
			url := relPath
			if !strings.Contains(url, "://") {
				url = joinURL(feed, relPath)
			} else {
				relPath = path.Base(relPath)
			}
			out.Items = append(out.Items, format.Candidate{
				Name:     name,
				Version:  v.Version,
				Arch:     "noarch",
				SHA256:   strings.TrimPrefix(v.Digest, "sha256:"),
				URL:      url,
				Filename: path.Base(v.URLs[0]),
				Metadata: map[string]any{
					"app_version":   v.AppVersion,
					"original_path": relPath,
					"purl": format.PURL(string(repomirror.Helm), "", name, v.Version,
						map[string]string{"repository_url": feed}),
				},
			})
		}
	}
	return out, nil
}

// Publish hardlinks each chart's .tgz under targetDir and regenerates
// index.yaml from exactly the linked items, per spec §4.5.
func (Plugin) Publish(ctx context.Context, items []repomirror.ContentItem, files []repomirror.RepositoryFile, targetDir string, mode format.Mode, link format.LinkFunc) error {
	if mode == repomirror.ModeMirror {
		return format.PublishMirror(items, files, targetDir, link)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return &repomirror.Error{Op: "helm.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}

	idx := chartIndex{APIVersion: "v1", Generated: time.Now().UTC().Format(time.RFC3339), Entries: map[string][]chartVersion{}}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	for _, it := range items {
		dest := filepath.Join(targetDir, it.Filename)
		if err := link(it.SHA256, it.Filename, dest); err != nil {
			return fmt.Errorf("helm.Publish: linking %s: %w", it.Filename, err)
		}
		appVersion, _ := it.Metadata["app_version"].(string)
		idx.Entries[it.Name] = append(idx.Entries[it.Name], chartVersion{
			Name:       it.Name,
			Version:    it.Version,
			AppVersion: appVersion,
			Digest:     it.SHA256.Hex(),
			URLs:       []string{it.Filename},
		})
	}

	b, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("helm.Publish: marshal index.yaml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(targetDir, "index.yaml"), b, 0o644); err != nil {
		return &repomirror.Error{Op: "helm.Publish", Kind: repomirror.ErrPoolIO, Inner: err}
	}
	return nil
}
