// Package config loads kernelgraph settings from a YAML file, an optional
// .env file and KERNELGRAPH_* environment variables, in that order of
// increasing precedence. Command-line flags are applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/phobologic/kernelgraph/internal/cpp"
	"github.com/phobologic/kernelgraph/internal/discover"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "kernelgraph.yaml"

// Unresolved call policies.
const (
	UnresolvedRecord = "record"
	UnresolvedDrop   = "drop"
)

// Config is the complete kernelgraph configuration.
type Config struct {
	// Root is the kernel source tree.
	Root string `yaml:"root"`
	// Database is the path of the graph store.
	Database string `yaml:"database"`
	// Workers sizes the extraction pool; zero uses every core.
	Workers        int              `yaml:"workers"`
	MaxFileSize    int64            `yaml:"max_file_size"`
	IncludeHeaders bool             `yaml:"include_headers"`
	Unresolved     string           `yaml:"unresolved"`
	Discover       discover.Options `yaml:"discover"`
	Preprocess     cpp.Config       `yaml:"preprocess"`
	Impact         Impact           `yaml:"impact"`
	CacheSize      int              `yaml:"cache_size"`
	LogLevel       string           `yaml:"log_level"`
	MetricsFile    string           `yaml:"metrics_file"`
}

// Impact holds the analyzer bounds.
type Impact struct {
	MaxDepth  int `yaml:"max_depth"`
	MaxChains int `yaml:"max_chains"`
	// Coverage is an optional YAML file of per-function test counts.
	Coverage string `yaml:"coverage"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:        ".",
		Database:    "kernelgraph.db",
		MaxFileSize: 4_000_000,
		Unresolved:  UnresolvedRecord,
		Preprocess: cpp.Config{
			Enabled:  true,
			Compiler: "gcc",
			Arch:     "x86",
			Timeout:  60 * time.Second,
		},
		Impact: Impact{
			MaxDepth:  3,
			MaxChains: 100,
		},
		CacheSize: 4096,
		LogLevel:  "info",
	}
}

// Load builds the configuration. path names the YAML file; when empty,
// DefaultFile is used if it exists. envFiles are loaded with godotenv
// (".env" when none are given, ignored if missing); variables already set
// in the environment win over the files.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from KERNELGRAPH_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("KERNELGRAPH_ROOT", &c.Root)
	str("KERNELGRAPH_DB", &c.Database)
	num("KERNELGRAPH_WORKERS", &c.Workers)
	str("KERNELGRAPH_UNRESOLVED", &c.Unresolved)
	flag("KERNELGRAPH_INCLUDE_HEADERS", &c.IncludeHeaders)
	flag("KERNELGRAPH_PREPROCESS", &c.Preprocess.Enabled)
	str("KERNELGRAPH_CC", &c.Preprocess.Compiler)
	str("KERNELGRAPH_ARCH", &c.Preprocess.Arch)
	num("KERNELGRAPH_MAX_DEPTH", &c.Impact.MaxDepth)
	num("KERNELGRAPH_MAX_CHAINS", &c.Impact.MaxChains)
	str("KERNELGRAPH_COVERAGE", &c.Impact.Coverage)
	str("KERNELGRAPH_LOG_LEVEL", &c.LogLevel)
	str("KERNELGRAPH_METRICS_FILE", &c.MetricsFile)
	return errors.Join(errs...)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Database == "":
		return errors.New("config: database path is empty")
	case c.Workers < 0:
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Workers)
	case c.Unresolved != UnresolvedRecord && c.Unresolved != UnresolvedDrop:
		return fmt.Errorf("config: unresolved must be %q or %q, got %q", UnresolvedRecord, UnresolvedDrop, c.Unresolved)
	case c.Impact.MaxDepth < 1:
		return fmt.Errorf("config: impact.max_depth must be >= 1, got %d", c.Impact.MaxDepth)
	case c.Impact.MaxChains < 1:
		return fmt.Errorf("config: impact.max_chains must be >= 1, got %d", c.Impact.MaxChains)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// DropUnresolved reports whether placeholder call edges are omitted.
func (c *Config) DropUnresolved() bool {
	return c.Unresolved == UnresolvedDrop
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
