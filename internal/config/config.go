// Package config loads strata settings from a single file.
//
// Files ending in .hcl or .json are decoded with HCL (the JSON variant of
// HCL for .json), files ending in .yaml or .yml with YAML. Values missing
// from the file keep their defaults; command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/agentic-research/strata/api"
)

// Backend names a storage back-end.
type Backend string

const (
	// BackendFile stores the container in one file on the local filesystem.
	BackendFile Backend = "file"
	// BackendMemory keeps the container in memory for the life of the process.
	BackendMemory Backend = "memory"
	// BackendBadger stores the container as fixed-size pages in badger.
	BackendBadger Backend = "badger"
)

// Config is the resolved configuration.
type Config struct {
	Backend Backend
	// Path is the container file, or the badger directory.
	Path string
	// Name identifies the container in the control block.
	Name string

	LogLevel  logrus.Level
	LogFormat string

	Access api.AccessProps
	// Group holds the creation properties of groups made by the CLI.
	Group api.GroupCreateProps
	// Filter is the codec of datasets made by the CLI.
	Filter api.Filter

	HeaderCacheSize int
	ChunkCacheSize  int
	PageSize        int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend:   BackendFile,
		Name:      "strata",
		LogLevel:  logrus.InfoLevel,
		LogFormat: "text",
		Access: api.AccessProps{
			FlushInterval: 100 * time.Millisecond,
			MaxLag:        3,
			LagPolicy:     api.LagFail,
		},
		Group:           api.GroupCreateProps{}.WithDefaults(),
		HeaderCacheSize: 1024,
		ChunkCacheSize:  256,
		PageSize:        4096,
	}
}

// file is the on-disk shape. Every block is optional, and absent values
// leave the defaults alone.
type file struct {
	Backend   string `hcl:"backend,optional" yaml:"backend"`
	Path      string `hcl:"path,optional" yaml:"path"`
	Name      string `hcl:"name,optional" yaml:"name"`
	LogLevel  string `hcl:"log_level,optional" yaml:"log_level"`
	LogFormat string `hcl:"log_format,optional" yaml:"log_format"`

	Access  *accessBlock  `hcl:"access,block" yaml:"access"`
	Group   *groupBlock   `hcl:"group,block" yaml:"group"`
	Dataset *datasetBlock `hcl:"dataset,block" yaml:"dataset"`
	Cache   *cacheBlock   `hcl:"cache,block" yaml:"cache"`
}

type accessBlock struct {
	SWMR          bool   `hcl:"swmr,optional" yaml:"swmr"`
	FlushInterval string `hcl:"flush_interval,optional" yaml:"flush_interval"`
	MaxLag        int    `hcl:"max_lag,optional" yaml:"max_lag"`
	LagPolicy     string `hcl:"lag_policy,optional" yaml:"lag_policy"`
	ControlPath   string `hcl:"control_path,optional" yaml:"control_path"`
}

type groupBlock struct {
	TrackCreationOrder bool `hcl:"track_creation_order,optional" yaml:"track_creation_order"`
	IndexCreationOrder bool `hcl:"index_creation_order,optional" yaml:"index_creation_order"`
	MaxCompact         int  `hcl:"max_compact,optional" yaml:"max_compact"`
	MinDense           int  `hcl:"min_dense,optional" yaml:"min_dense"`
}

type datasetBlock struct {
	Filter string `hcl:"filter,optional" yaml:"filter"`
}

type cacheBlock struct {
	Headers  int `hcl:"headers,optional" yaml:"headers"`
	Chunks   int `hcl:"chunks,optional" yaml:"chunks"`
	PageSize int `hcl:"page_size,optional" yaml:"page_size"`
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Parse(path, src)
}

// Parse decodes src over the defaults. The extension of filename picks
// the format and names the source in diagnostics.
func Parse(filename string, src []byte) (*Config, error) {
	var f file
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".hcl", ".json":
		if err := hclsimple.Decode(filename, src, nil, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(src, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
	default:
		return nil, fmt.Errorf("parse %s: unknown extension %q: %w", filename, ext, api.ErrInvalidArgument)
	}
	cfg := Default()
	if err := cfg.apply(&f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return cfg, nil
}

// apply overlays the values present in f.
func (c *Config) apply(f *file) error {
	if f.Backend != "" {
		c.Backend = Backend(f.Backend)
	}
	if f.Path != "" {
		c.Path = f.Path
	}
	if f.Name != "" {
		c.Name = f.Name
	}
	if f.LogLevel != "" {
		lvl, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		c.LogLevel = lvl
	}
	if f.LogFormat != "" {
		c.LogFormat = f.LogFormat
	}

	if a := f.Access; a != nil {
		c.Access.SWMR = c.Access.SWMR || a.SWMR
		if a.FlushInterval != "" {
			d, err := time.ParseDuration(a.FlushInterval)
			if err != nil {
				return fmt.Errorf("access.flush_interval: %w", err)
			}
			c.Access.FlushInterval = d
		}
		if a.MaxLag < 0 {
			return fmt.Errorf("access.max_lag %d is negative: %w", a.MaxLag, api.ErrInvalidArgument)
		}
		if a.MaxLag > 0 {
			c.Access.MaxLag = uint64(a.MaxLag)
		}
		if a.LagPolicy != "" {
			c.Access.LagPolicy = api.LagPolicy(a.LagPolicy)
		}
		if a.ControlPath != "" {
			c.Access.ControlPath = a.ControlPath
		}
	}

	if g := f.Group; g != nil {
		c.Group.TrackCreationOrder = c.Group.TrackCreationOrder || g.TrackCreationOrder
		c.Group.IndexCreationOrder = c.Group.IndexCreationOrder || g.IndexCreationOrder
		if g.MaxCompact != 0 {
			c.Group.MaxCompact = uint16(g.MaxCompact)
		}
		if g.MinDense != 0 {
			c.Group.MinDense = uint16(g.MinDense)
		}
		if g.MaxCompact < 0 || g.MaxCompact > 0xffff || g.MinDense < 0 || g.MinDense > 0xffff {
			return fmt.Errorf("group thresholds %d/%d out of range: %w", g.MaxCompact, g.MinDense, api.ErrInvalidArgument)
		}
	}

	if d := f.Dataset; d != nil && d.Filter != "" {
		filter, err := api.ParseFilter(d.Filter)
		if err != nil {
			return fmt.Errorf("dataset.filter: %w", err)
		}
		c.Filter = filter
	}

	if cc := f.Cache; cc != nil {
		if cc.Headers != 0 {
			c.HeaderCacheSize = cc.Headers
		}
		if cc.Chunks != 0 {
			c.ChunkCacheSize = cc.Chunks
		}
		if cc.PageSize != 0 {
			c.PageSize = cc.PageSize
		}
	}
	return nil
}

// Validate rejects settings no container can be opened with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendFile, BackendBadger, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q: %w", c.Backend, api.ErrInvalidArgument))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q: %w", c.LogFormat, api.ErrInvalidArgument))
	}
	switch c.Access.LagPolicy {
	case api.LagFail, api.LagBlock:
	default:
		errs = append(errs, fmt.Errorf("unknown lag policy %q: %w", c.Access.LagPolicy, api.ErrInvalidArgument))
	}
	if c.Access.SWMR && c.Access.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("swmr needs a positive flush interval: %w", api.ErrInvalidArgument))
	}
	if c.Group.MinDense > c.Group.MaxCompact {
		errs = append(errs, fmt.Errorf("group min_dense %d > max_compact %d: %w", c.Group.MinDense, c.Group.MaxCompact, api.ErrInvalidArgument))
	}
	if c.HeaderCacheSize < 0 || c.ChunkCacheSize < 0 || c.PageSize < 0 {
		errs = append(errs, fmt.Errorf("cache sizes must not be negative: %w", api.ErrInvalidArgument))
	}
	return errors.Join(errs...)
}

// NewLogger builds the logger the configuration describes.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
