// Package filter implements the candidate-selection rules of spec §4.4: a
// chain of predicates over a Candidate plus a post-processing pass that
// keeps only the latest version(s) per (name, arch).
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Candidate is the minimal view of a format plugin's parsed item that the
// filter engine needs. Format plugins produce these directly from upstream
// metadata before anything is fetched.
type Candidate struct {
	Name     string
	Version  string
	Arch     string
	SHA256   string
	Size     int64
	Filename string

	// RPM-specific fields, populated only by the rpm plugin; zero values
	// elsewhere mean the corresponding rpm.* rules never match.
	Group   string
	License string
}

// Comparator orders two version strings for the same (name, arch),
// positive when v1 > v2. Each format plugin supplies its own.
type Comparator func(v1, v2 string) int

// Config mirrors the option table in spec.md §4.4 exactly; yaml tags match
// the option names so it decodes directly out of the repository's `filters:`
// block.
type Config struct {
	Patterns struct {
		Include []string `yaml:"include"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"patterns"`

	Metadata struct {
		Architectures struct {
			Include []string `yaml:"include"`
			Exclude []string `yaml:"exclude"`
		} `yaml:"architectures"`
		Size struct {
			MaxBytes int64 `yaml:"max_bytes"`
			MinBytes int64 `yaml:"min_bytes"`
		} `yaml:"size"`
	} `yaml:"metadata"`

	RPM struct {
		ExcludeSourceRPMs bool `yaml:"exclude_source_rpms"`
		Groups            struct {
			Include []string `yaml:"include"`
			Exclude []string `yaml:"exclude"`
		} `yaml:"groups"`
		Licenses struct {
			Include []string `yaml:"include"`
			Exclude []string `yaml:"exclude"`
		} `yaml:"licenses"`
	} `yaml:"rpm"`

	PostProcessing struct {
		OnlyLatestVersion   bool `yaml:"only_latest_version"`
		OnlyLatestNVersions int  `yaml:"only_latest_n_versions"`
	} `yaml:"post_processing"`
}

// Filter compiles a Config's patterns once and applies the full rule chain
// to candidates, following the "small struct, Filter(record) bool method"
// shape the teacher uses per-ecosystem (debian/matcher.go, alpine/matcher.go)
// but composed from one config instead of one struct per format.
type Filter struct {
	cfg Config

	includeRe []*regexp.Regexp
	excludeRe []*regexp.Regexp

	archInclude map[string]bool
	archExclude map[string]bool
	groupInclude map[string]bool
	groupExclude map[string]bool
	licInclude   map[string]bool
	licExclude   map[string]bool
}

// New compiles cfg's regex lists and returns a ready-to-use Filter.
func New(cfg Config) (*Filter, error) {
	f := &Filter{cfg: cfg}

	for _, p := range cfg.Patterns.Include {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter: compiling patterns.include %q: %w", p, err)
		}
		f.includeRe = append(f.includeRe, re)
	}
	for _, p := range cfg.Patterns.Exclude {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter: compiling patterns.exclude %q: %w", p, err)
		}
		f.excludeRe = append(f.excludeRe, re)
	}

	f.archInclude = toSet(cfg.Metadata.Architectures.Include)
	f.archExclude = toSet(cfg.Metadata.Architectures.Exclude)
	f.groupInclude = toSet(cfg.RPM.Groups.Include)
	f.groupExclude = toSet(cfg.RPM.Groups.Exclude)
	f.licInclude = toSet(cfg.RPM.Licenses.Include)
	f.licExclude = toSet(cfg.RPM.Licenses.Exclude)

	return f, nil
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Keep reports whether c survives every rule in the chain except
// post-processing, which operates across the whole candidate set and is
// applied separately via Apply.
func (f *Filter) Keep(c Candidate) bool {
	if len(f.includeRe) > 0 {
		matched := false
		for _, re := range f.includeRe {
			if re.MatchString(c.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, re := range f.excludeRe {
		if re.MatchString(c.Name) {
			return false
		}
	}

	if f.archInclude != nil && !f.archInclude[c.Arch] {
		return false
	}
	if f.archExclude != nil && f.archExclude[c.Arch] {
		return false
	}

	if f.cfg.Metadata.Size.MaxBytes > 0 && c.Size > f.cfg.Metadata.Size.MaxBytes {
		return false
	}
	if f.cfg.Metadata.Size.MinBytes > 0 && c.Size < f.cfg.Metadata.Size.MinBytes {
		return false
	}

	if f.cfg.RPM.ExcludeSourceRPMs && strings.HasSuffix(c.Filename, ".src.rpm") {
		return false
	}
	if f.groupInclude != nil && !f.groupInclude[c.Group] {
		return false
	}
	if f.groupExclude != nil && f.groupExclude[c.Group] {
		return false
	}
	if f.licInclude != nil && !f.licInclude[c.License] {
		return false
	}
	if f.licExclude != nil && f.licExclude[c.License] {
		return false
	}

	return true
}

// Apply runs Keep over candidates, then the post-processing pass (if
// configured), using cmp to order versions within each (name, arch) group.
func (f *Filter) Apply(candidates []Candidate, cmp Comparator) []Candidate {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if f.Keep(c) {
			kept = append(kept, c)
		}
	}

	if !f.cfg.PostProcessing.OnlyLatestVersion && f.cfg.PostProcessing.OnlyLatestNVersions <= 0 {
		return kept
	}

	n := f.cfg.PostProcessing.OnlyLatestNVersions
	if f.cfg.PostProcessing.OnlyLatestVersion {
		n = 1
	}
	return latestN(kept, cmp, n)
}

// latestN groups by (name, arch) and keeps the n highest versions in each
// group, per cmp. Ties in cmp preserve input order (stable sort).
func latestN(candidates []Candidate, cmp Comparator, n int) []Candidate {
	groups := make(map[string][]Candidate)
	var order []string
	for _, c := range candidates {
		key := c.Name + "\x00" + c.Arch
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	var out []Candidate
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			return cmp(group[i].Version, group[j].Version) > 0
		})
		if n < len(group) {
			group = group[:n]
		}
		out = append(out, group...)
	}
	return out
}
