package database

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// Opener creates a backend for the configured vector spaces.
type Opener func(ctx context.Context, cfg *config.Config, spaces []vector.Space) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend registers a backend constructor under a STORE_BACKEND name.
// This is called by the backend packages to avoid import cycles.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// RegisteredBackends returns the names of all registered backends.
func RegisteredBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open creates the backend selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	backendsMu.RLock()
	open, ok := backends[cfg.Store.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage backend %q not registered (available: %v)", cfg.Store.Backend, RegisteredBackends())
	}

	b, err := open(ctx, cfg, cfg.Spaces())
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Store.Backend, err)
	}
	return b, nil
}
