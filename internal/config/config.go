// Package config loads and saves pargrep defaults from a YAML file, so
// per-user preferences like color mode or worker count survive between
// runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/harrison/pargrep/internal/filelock"
)

// DefaultFileName is the config file looked up in the working directory
// and then in the user's home directory.
const DefaultFileName = ".pargrep.yml"

// IndexConfig controls the file index cache.
type IndexConfig struct {
	// Enabled turns on the index cache lookups during traversal
	Enabled bool `yaml:"enabled"`

	// Path is the location of the index database
	Path string `yaml:"path"`
}

// Config holds persistent pargrep defaults. Command-line flags override
// every field.
type Config struct {
	// Jobs is the default worker count (0 = number of CPUs)
	Jobs int `yaml:"jobs"`

	// Color sets the default color mode (auto, always, never)
	Color string `yaml:"color"`

	// LogLevel sets diagnostic verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Hidden includes hidden files and directories by default
	Hidden bool `yaml:"hidden"`

	// Decompress searches compressed files and archives by default
	Decompress bool `yaml:"decompress"`

	// Sort is the default dispatch order ("" = unsorted)
	Sort string `yaml:"sort"`

	// Format is the default output format (text, csv, json, xml)
	Format string `yaml:"format"`

	// Exclude holds glob patterns always excluded from traversal
	Exclude []string `yaml:"exclude"`

	// ExcludeDirs holds directory globs always pruned from traversal
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// Index contains index cache configuration
	Index IndexConfig `yaml:"index"`
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	return &Config{
		Jobs:     0,
		Color:    "auto",
		LogLevel: "warn",
		Format:   "text",
		Index: IndexConfig{
			Enabled: false,
			Path:    ".pargrep-index.db",
		},
	}
}

// Load reads configuration from path. A missing file is not an error and
// yields the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Locate returns the config file to load: an explicit path wins, then
// DefaultFileName in the working directory, then in the home directory.
func Locate(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, DefaultFileName)
	}
	return DefaultFileName
}

// Save writes the configuration to path atomically, serialized against
// concurrent savers with a sidecar lock file.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	lock := filelock.New(path + ".lock")
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	return filelock.WriteAtomic(path, data)
}

// Validate checks field values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Color {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("invalid color mode %q (want auto, always or never)", c.Color)
	}
	switch c.Format {
	case "", "text", "csv", "json", "xml":
	default:
		return fmt.Errorf("invalid format %q (want text, csv, json or xml)", c.Format)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", c.Jobs)
	}
	return nil
}
