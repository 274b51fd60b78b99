package storage

import (
	"maps"
	"slices"
	"sync"

	"github.com/xtxerr/obshub/internal/errors"
)

// Config selects and parameterizes a storage backend.
type Config struct {
	// Kind names a registered backend, e.g. "memory" or "duckdb".
	Kind string `yaml:"kind"`

	// DSN is the backend specific location, e.g. a database file.
	DSN string `yaml:"dsn"`

	// Name labels the storage in logs and metrics.
	Name string `yaml:"name"`
}

// Validate checks the storage configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.Wrap(errors.ErrInvalidConfig, "storage configuration is required")
	}
	if c.Kind == "" {
		return errors.NewValidation("storage.kind", "must not be empty")
	}
	return nil
}

// Constructor instantiates a backend.
type Constructor func(cfg Config) (Module, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Constructor)
)

// Register makes a backend available to Open. It panics when kind is
// registered twice.
func Register(kind string, ctor Constructor) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, dup := backends[kind]; dup {
		panic("storage: backend registered twice: " + kind)
	}
	backends[kind] = ctor
}

// Kinds returns the registered backend kinds in order.
func Kinds() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	return slices.Sorted(maps.Keys(backends))
}

// Open instantiates the backend described by cfg.
func Open(cfg *Config) (Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backendsMu.RLock()
	ctor, ok := backends[cfg.Kind]
	backendsMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrInstantiation, "unknown storage kind %q", cfg.Kind)
	}

	mod, err := ctor(*cfg)
	if err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrInstantiation, err), "open %s storage", cfg.Kind)
	}
	return mod, nil
}
