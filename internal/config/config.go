package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParsePolicy defines how unparseable plists are treated on read
type ParsePolicy string

const (
	ParseLenient ParsePolicy = "lenient"
	ParseStrict  ParsePolicy = "strict"
)

// Defaults applied by Load
const (
	DefaultCommitterName  = "munkirepo"
	DefaultCommitterEmail = "munkirepo@localhost"
	DefaultAuthorDomain   = "localhost"
	DefaultDebounce       = 500 * time.Millisecond
)

// Config represents the complete munkirepo configuration
type Config struct {
	Repo  RepoConfig  `yaml:"repo"`
	Git   GitConfig   `yaml:"git"`
	Read  ReadConfig  `yaml:"read"`
	Watch WatchConfig `yaml:"watch"`
}

// RepoConfig configures the munki repository on disk
type RepoConfig struct {
	Dir   string   `yaml:"dir"`
	Kinds []string `yaml:"kinds"`
}

// GitConfig configures version control recording. Recording is disabled
// when Path is empty.
type GitConfig struct {
	Path           string `yaml:"path"`
	CommitterName  string `yaml:"committer_name"`
	CommitterEmail string `yaml:"committer_email"`
	AuthorDomain   string `yaml:"author_domain"`
}

// ReadConfig configures how records are read
type ReadConfig struct {
	ParsePolicy ParsePolicy `yaml:"parse_policy"`
}

// WatchConfig configures the change watcher
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	for i, kind := range c.Repo.Kinds {
		c.Repo.Kinds[i] = os.ExpandEnv(kind)
	}
	c.Git.Path = os.ExpandEnv(c.Git.Path)
	c.Git.CommitterName = os.ExpandEnv(c.Git.CommitterName)
	c.Git.CommitterEmail = os.ExpandEnv(c.Git.CommitterEmail)
	c.Git.AuthorDomain = os.ExpandEnv(c.Git.AuthorDomain)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Read.ParsePolicy == "" {
		c.Read.ParsePolicy = ParseLenient
	}
	if c.Git.CommitterName == "" {
		c.Git.CommitterName = DefaultCommitterName
	}
	if c.Git.CommitterEmail == "" {
		c.Git.CommitterEmail = DefaultCommitterEmail
	}
	if c.Git.AuthorDomain == "" {
		c.Git.AuthorDomain = DefaultAuthorDomain
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Dir == "" {
		return fmt.Errorf("repo.dir is required")
	}
	if !filepath.IsAbs(c.Repo.Dir) {
		return fmt.Errorf("repo.dir must be an absolute path: %s", c.Repo.Dir)
	}

	seen := make(map[string]bool, len(c.Repo.Kinds))
	for _, kind := range c.Repo.Kinds {
		if kind == "" || strings.HasPrefix(kind, ".") || strings.ContainsAny(kind, `/\`) {
			return fmt.Errorf("invalid repo.kinds entry %q (must be a plain directory name)", kind)
		}
		if seen[kind] {
			return fmt.Errorf("duplicate repo.kinds entry %q", kind)
		}
		seen[kind] = true
	}

	switch c.Read.ParsePolicy {
	case ParseLenient, ParseStrict:
		// valid
	default:
		return fmt.Errorf("invalid read.parse_policy: %s (must be lenient or strict)", c.Read.ParsePolicy)
	}

	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative: %s", c.Watch.Debounce)
	}

	return nil
}

// GitEnabled reports whether mutations are recorded in version control
func (c *Config) GitEnabled() bool {
	return c.Git.Path != ""
}

// KindDir returns the directory holding records of the given kind
func (c *Config) KindDir(kind string) string {
	return filepath.Join(c.Repo.Dir, kind)
}
