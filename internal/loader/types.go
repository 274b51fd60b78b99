// Package loader - Configuration Types
//
// Defines the YAML configuration structure of an obshub daemon.
//
// ARCHITECTURE:
//
//   ┌─────────────────────────────────────────────────────────────────────┐
//   │                           hub.yaml                                  │
//   ├─────────────────────────────────────────────────────────────────────┤
//   │                                                                     │
//   │  logging:         Level and output format                           │
//   │  metrics_listen:  Prometheus endpoint                               │
//   │  bus:             Local in-process bus or NATS                      │
//   │                                                                     │
//   │  ┌─────────────────────┐    ┌─────────────────────────────────┐    │
//   │  │     producers:      │    │          storages:              │    │
//   │  ├─────────────────────┤    ├─────────────────────────────────┤    │
//   │  │ • generic outputs   │───▶│ • one ingestion adapter each    │    │
//   │  │ • groups (nested)   │    │ • data_source_id → producer     │    │
//   │  │ • SNMP sensors      │    │ • memory or duckdb backend      │    │
//   │  │                     │    │ • commit period, auto purge     │    │
//   │  └─────────────────────┘    └─────────────────────────────────┘    │
//   │                                                                     │
//   │  include:         Extra producer and storage files                  │
//   │  shutdown:        Drain timeout                                     │
//   │                                                                     │
//   └─────────────────────────────────────────────────────────────────────┘

package loader

import (
	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/obshub/config"
	"github.com/xtxerr/obshub/internal/eventbus/natsbus"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/producer/snmp"
	storageconfig "github.com/xtxerr/obshub/internal/storage/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure of obshubd.
type Config struct {
	// -------------------------------------------------------------------------
	// Runtime Settings
	// -------------------------------------------------------------------------

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// MetricsListen is the address of the Prometheus endpoint.
	// Format: "host:port". Empty disables the endpoint.
	// Default: "127.0.0.1:9464"
	MetricsListen string `yaml:"metrics_listen"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Bus selects the event bus transport.
	Bus BusConfig `yaml:"bus"`

	// -------------------------------------------------------------------------
	// Hub Content
	// -------------------------------------------------------------------------

	// Producers are the top-level data producers registered at startup.
	Producers []*ProducerConfig `yaml:"producers"`

	// Storages are the stream storages, one ingestion adapter each.
	Storages []*StorageEntry `yaml:"storages"`

	// Include lists glob patterns of files whose producers and storages
	// are appended to this configuration. Relative patterns resolve
	// against the directory of the main file.
	Include []string `yaml:"include"`
}

// =============================================================================
// Runtime Sections
// =============================================================================

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: "text"
	Format string `yaml:"format"`
}

// JSON reports whether logs are written as JSON.
func (c LoggingConfig) JSON() bool {
	return c.Format == FormatJSON
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	// DrainTimeoutSec bounds the wait for storages to commit and stop.
	// Default: 30
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
}

// BusConfig selects the event bus transport.
type BusConfig struct {
	// Kind is "local" (in-process) or "nats".
	// Default: "local"
	Kind string `yaml:"kind"`

	// NATS configures the NATS transport when Kind is "nats".
	NATS natsbus.Config `yaml:"nats"`
}

// Logging formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Bus kinds.
const (
	BusLocal = "local"
	BusNATS  = "nats"
)

// =============================================================================
// Producers
// =============================================================================

// Producer kinds.
const (
	ProducerGeneric = "generic"
	ProducerGroup   = "group"
	ProducerSNMP    = "snmp"
)

// ProducerConfig describes one producer. Groups nest members of any kind.
type ProducerConfig struct {
	// UID identifies the producer hub-wide.
	UID string `yaml:"uid"`

	// Name is the human readable name of the initial description.
	Name string `yaml:"name"`

	// Kind is generic, group or snmp.
	// Default: "generic", or "group" when members are listed.
	Kind string `yaml:"kind"`

	// Enabled sets the initial enabled flag. Unset means enabled.
	Enabled *bool `yaml:"enabled"`

	// Properties are copied into the initial description.
	Properties map[string]string `yaml:"properties"`

	// Foi is the initial feature of interest.
	Foi *model.Feature `yaml:"foi"`

	// Outputs declares the record outputs of generic producers and groups.
	Outputs []OutputConfig `yaml:"outputs"`

	// Members are the nested producers of a group.
	Members []*ProducerConfig `yaml:"members"`

	// SNMP configures an snmp producer.
	SNMP *snmp.Config `yaml:"snmp"`
}

// OutputConfig declares one output.
type OutputConfig struct {
	Name     string         `yaml:"name"`
	Encoding model.Encoding `yaml:"encoding"`
	Fields   []model.Field  `yaml:"fields"`
}

// IsEnabled returns the initial enabled flag.
func (p *ProducerConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// kind returns the effective producer kind.
func (p *ProducerConfig) kind() string {
	switch {
	case p.Kind != "":
		return p.Kind
	case len(p.Members) > 0:
		return ProducerGroup
	default:
		return ProducerGeneric
	}
}

// Walk calls fn for p and every nested member, depth first.
func (p *ProducerConfig) Walk(fn func(*ProducerConfig)) {
	fn(p)
	for _, m := range p.Members {
		if m != nil {
			m.Walk(fn)
		}
	}
}

// =============================================================================
// Storages
// =============================================================================

// StorageEntry is one stream storage configuration with its own defaults
// applied and validated while decoding.
type StorageEntry struct {
	*storageconfig.Config
}

// UnmarshalYAML decodes the entry through the stream storage config
// package so every entry gets the same defaults as a standalone file.
func (e *StorageEntry) UnmarshalYAML(node *yaml.Node) error {
	cfg, err := storageconfig.FromNode(node)
	if err != nil {
		return err
	}
	e.Config = cfg
	return nil
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: FormatText,
		},

		MetricsListen: defaults.DefaultMetricsListen,

		Shutdown: ShutdownConfig{
			DrainTimeoutSec: defaults.DefaultDrainTimeoutSec,
		},

		Bus: BusConfig{
			Kind: BusLocal,
			NATS: natsbus.DefaultConfig(),
		},
	}
}
