package config

import (
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/storage"
)

// OpenBackend opens the configured storage back-end. A memory back-end
// always starts empty.
func (c *Config) OpenBackend(create, readOnly bool) (storage.Backend, error) {
	switch c.Backend {
	case BackendMemory:
		b, _, err := storage.NewMemory(c.Name)
		return b, err
	case BackendFile:
		if c.Path == "" {
			return nil, fmt.Errorf("backend %s needs a path: %w", c.Backend, api.ErrInvalidArgument)
		}
		return storage.OpenOS(c.Path, create, readOnly)
	case BackendBadger:
		if c.Path == "" {
			return nil, fmt.Errorf("backend %s needs a path: %w", c.Backend, api.ErrInvalidArgument)
		}
		return storage.OpenPages(storage.PagesConfig{Path: c.Path, PageSize: c.PageSize})
	default:
		return nil, fmt.Errorf("unknown backend %q: %w", c.Backend, api.ErrInvalidArgument)
	}
}

// Options returns the container options the configuration describes.
func (c *Config) Options(readOnly bool) container.Options {
	access := c.Access
	access.ReadOnly = readOnly
	return container.Options{
		Access:          access,
		Root:            c.Group,
		Name:            c.Name,
		HeaderCacheSize: c.HeaderCacheSize,
		ChunkCacheSize:  c.ChunkCacheSize,
		CloseBackend:    true,
	}
}
