// Package config loads and validates the root YAML configuration document
// of spec §6: database/storage/download/proxy/ssl tuning, per-repository
// and per-view definitions, and an `include:` glob merge step.
//
// Decoding uses gopkg.in/yaml.v3, the version the teacher's newer code and
// the Helm-adjacent examples in the pack both use for configuration and
// chart-adjacent documents alike.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/repomirror/repomirror"
	"github.com/repomirror/repomirror/filter"
)

// Config is the root document, per spec §6's table.
type Config struct {
	Database     Database     `yaml:"database"`
	Storage      Storage      `yaml:"storage"`
	Download     Download     `yaml:"download"`
	Proxy        Proxy        `yaml:"proxy"`
	SSL          SSL          `yaml:"ssl"`
	Repositories []Repository `yaml:"repositories"`
	Views        []View       `yaml:"views"`
	Include      string       `yaml:"include"`
}

// Database holds the MetaStore connection string.
type Database struct {
	URL string `yaml:"url"`
}

// Storage holds the root filesystem locations. PoolPath/PublishedPath/
// TmpPath default to "pool", "published", "tmp" under BasePath when empty.
type Storage struct {
	BasePath      string `yaml:"base_path"`
	PoolPath      string `yaml:"pool_path"`
	PublishedPath string `yaml:"published_path"`
	TmpPath       string `yaml:"tmp_path"`
}

// Pool resolves the pool root, applying the BasePath-relative default.
func (s Storage) Pool() string {
	if s.PoolPath != "" {
		return s.PoolPath
	}
	return filepath.Join(s.BasePath, "pool")
}

// Published resolves the published-repositories root.
func (s Storage) Published() string {
	if s.PublishedPath != "" {
		return s.PublishedPath
	}
	return filepath.Join(s.BasePath, "published")
}

// Tmp resolves the scratch-download root.
func (s Storage) Tmp() string {
	if s.TmpPath != "" {
		return s.TmpPath
	}
	return filepath.Join(s.BasePath, "tmp")
}

// Download tunes the Fetcher's concurrency and retry behavior.
type Download struct {
	Parallel      int           `yaml:"parallel"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// Proxy configures the Fetcher's outbound proxy, per spec §6.
type Proxy struct {
	HTTPProxy  string `yaml:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy"`
	NoProxy    string `yaml:"no_proxy"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// SSL configures the Fetcher's TLS material, per spec §6.
type SSL struct {
	CABundle   string `yaml:"ca_bundle"`
	Verify     *bool  `yaml:"verify"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// InsecureSkip reports whether verify was explicitly set false. Verify
// defaults to true (nil means "verify").
func (s SSL) InsecureSkip() bool {
	return s.Verify != nil && !*s.Verify
}

// Repository is one `repositories[]` entry.
type Repository struct {
	ID        string                 `yaml:"id"`
	Type      repomirror.ContentType `yaml:"type"`
	Feed      string                 `yaml:"feed"`
	Enabled   *bool                  `yaml:"enabled"`
	Mode      repomirror.RepoMode    `yaml:"mode"`
	Filters   filter.Config          `yaml:"filters"`
	Retention Retention              `yaml:"retention"`
	SSL       SSL                    `yaml:"ssl"`
	Proxy     Proxy                  `yaml:"proxy"`
	APT       APTOptions             `yaml:"apt"`
}

// APTOptions carries DEB-specific sync parameters not covered by the
// generic filter/retention shapes.
type APTOptions struct {
	Distribution  string   `yaml:"distribution"`
	Components    []string `yaml:"components"`
	Architectures []string `yaml:"architectures"`
}

// Retention mirrors spec §4.6's retention block.
type Retention struct {
	Policy              repomirror.RetentionPolicy `yaml:"policy"`
	KeepLastN           int                        `yaml:"keep_last_n"`
	DeletedPackagesKeep bool                       `yaml:"deleted_packages_keep"`
}

// IsEnabled reports whether the repository is active, defaulting to true
// when unset.
func (r Repository) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// View is one `views[]` entry.
type View struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Repos       []string `yaml:"repos"`
}

// Load reads and validates the YAML document at path, merging any
// additional fragments matched by its `include:` glob (fragment
// repositories/views are appended; a fragment may not itself set
// `include`).
func Load(path string) (Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}

	if cfg.Include != "" {
		matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), cfg.Include))
		if err != nil {
			return Config{}, &repomirror.Error{Op: "config.Load", Kind: repomirror.ErrConfigInvalid, Message: "bad include glob", Inner: err}
		}
		sort.Strings(matches)
		for _, m := range matches {
			frag, err := loadFile(m)
			if err != nil {
				return Config{}, err
			}
			if frag.Include != "" {
				return Config{}, &repomirror.Error{Op: "config.Load", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("included fragment %s may not itself set include", m)}
			}
			cfg.Repositories = append(cfg.Repositories, frag.Repositories...)
			cfg.Views = append(cfg.Views, frag.Views...)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &repomirror.Error{Op: "config.Load", Kind: repomirror.ErrConfigInvalid, Message: path, Inner: err}
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, &repomirror.Error{Op: "config.Load", Kind: repomirror.ErrConfigInvalid, Message: path, Inner: err}
	}
	return cfg, nil
}

// Validate enforces the semantic constraints spec §6/§7 attach to
// ErrConfigInvalid: no duplicate repository ids, no duplicate view names,
// and no repository configured as both mirror mode and filtered.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: "database.url is required"}
	}
	if c.Storage.BasePath == "" {
		return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: "storage.base_path is required"}
	}

	seenRepo := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.ID == "" {
			return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: "repository missing id"}
		}
		if seenRepo[r.ID] {
			return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("duplicate repository id %q", r.ID)}
		}
		seenRepo[r.ID] = true

		if r.Type == "" || r.Feed == "" {
			return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("repository %q missing type or feed", r.ID)}
		}
		if r.Mode == repomirror.ModeMirror && hasFilters(r.Filters) {
			return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("repository %q: mirror mode may not set filters", r.ID)}
		}
	}

	seenView := make(map[string]bool, len(c.Views))
	for _, v := range c.Views {
		if v.Name == "" {
			return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: "view missing name"}
		}
		if seenView[v.Name] {
			return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("duplicate view name %q", v.Name)}
		}
		seenView[v.Name] = true
		for _, repoID := range v.Repos {
			if !seenRepo[repoID] {
				return &repomirror.Error{Op: "config.Validate", Kind: repomirror.ErrConfigInvalid, Message: fmt.Sprintf("view %q references unknown repository %q", v.Name, repoID)}
			}
		}
	}
	return nil
}

func hasFilters(f filter.Config) bool {
	return len(f.Patterns.Include) > 0 || len(f.Patterns.Exclude) > 0 ||
		len(f.Metadata.Architectures.Include) > 0 || len(f.Metadata.Architectures.Exclude) > 0 ||
		f.Metadata.Size.MaxBytes > 0 || f.Metadata.Size.MinBytes > 0 ||
		f.RPM.ExcludeSourceRPMs || len(f.RPM.Groups.Include) > 0 || len(f.RPM.Groups.Exclude) > 0 ||
		len(f.RPM.Licenses.Include) > 0 || len(f.RPM.Licenses.Exclude) > 0 ||
		f.PostProcessing.OnlyLatestVersion || f.PostProcessing.OnlyLatestNVersions > 0
}

// RepositoryType returns the configured content type of the repository
// with the given id, or false if no repository has that id.
func (c Config) RepositoryType(id string) (repomirror.ContentType, bool) {
	for _, r := range c.Repositories {
		if r.ID == id {
			return r.Type, true
		}
	}
	return "", false
}
