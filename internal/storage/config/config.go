// Package config holds the configuration of a stream storage, the
// ingestion adapter persisting one producer tree into a storage backend.
package config

import (
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/obshub/config"
	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/storage"
)

// Config represents the complete stream storage configuration.
type Config struct {
	// Name labels the stream storage in logs and metrics.
	Name string `yaml:"name"`

	// Storage selects the backend the records are written to.
	Storage *storage.Config `yaml:"storage"`

	// DataSourceID is the UID of the root producer to ingest.
	DataSourceID string `yaml:"data_source_id"`

	// ExcludedOutputs lists output names that are never stored.
	ExcludedOutputs []string `yaml:"excluded_outputs"`

	// AutoPurge enables periodic retention. Nil disables it.
	AutoPurge *AutoPurgeConfig `yaml:"auto_purge"`

	// MinCommitPeriod is the minimum time between two commits in
	// milliseconds.
	MinCommitPeriod int64 `yaml:"min_commit_period"`

	// ProcessEvents is the master switch for the write path.
	ProcessEvents bool `yaml:"process_events"`

	// SubscribeTimeout bounds the wait for a subscription.
	// Format: "5s", "500ms"
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`

	// Stats configures per-output ingestion statistics.
	Stats StatsConfig `yaml:"stats"`

	// Backup configures Parquet backups.
	Backup BackupConfig `yaml:"backup"`
}

// AutoPurgeConfig configures periodic retention.
type AutoPurgeConfig struct {
	// Enabled enables the retention scheduler.
	Enabled bool `yaml:"enabled"`

	// PurgePeriod is the time between two sweeps in seconds.
	PurgePeriod float64 `yaml:"purge_period"`

	// Policy names a registered retention policy.
	Policy string `yaml:"policy"`

	// MaxRecordAge is the age in seconds beyond which the max-age policy
	// deletes records.
	MaxRecordAge float64 `yaml:"max_record_age"`
}

// StatsConfig configures per-output ingestion statistics.
type StatsConfig struct {
	// Percentiles enables lag percentiles.
	Percentiles bool `yaml:"percentiles"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// BackupConfig configures Parquet backups.
type BackupConfig struct {
	// Compression is the compression algorithm: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// RowGroupSize is the number of rows per row group.
	RowGroupSize int `yaml:"row_group_size"`
}

// MinCommitInterval returns MinCommitPeriod as a duration.
func (c *Config) MinCommitInterval() time.Duration {
	return time.Duration(c.MinCommitPeriod) * time.Millisecond
}

// IsExcluded reports whether output is never stored.
func (c *Config) IsExcluded(output string) bool {
	return slices.Contains(c.ExcludedOutputs, output)
}

// PercentileAccuracy returns the sketch accuracy, zero when disabled.
func (c *Config) PercentileAccuracy() float64 {
	if !c.Stats.Percentiles {
		return 0
	}
	return c.Stats.Accuracy
}

// AutoPurgeEnabled reports whether the retention scheduler runs.
func (c *Config) AutoPurgeEnabled() bool {
	return c.AutoPurge != nil && c.AutoPurge.Enabled
}

// Interval returns PurgePeriod as a duration.
func (c *AutoPurgeConfig) Interval() time.Duration {
	return secondsToDuration(c.PurgePeriod)
}

// MaxAge returns MaxRecordAge as a duration.
func (c *AutoPurgeConfig) MaxAge() time.Duration {
	return secondsToDuration(c.MaxRecordAge)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(errors.Join(errors.ErrInvalidConfig, err), "parse config")
	}
	return finish(config)
}

// FromNode decodes a configuration embedded in a larger document, such as
// one entry of the hub file's storages list.
func FromNode(node *yaml.Node) (*Config, error) {
	config := DefaultConfig()
	if err := node.Decode(config); err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrInvalidConfig, err), "decode stream storage at line %d", node.Line)
	}
	return finish(config)
}

func finish(config *Config) (*Config, error) {
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		if config.Name != "" {
			return nil, errors.Wrapf(err, "validate stream storage %s", config.Name)
		}
		return nil, errors.Wrap(err, "validate config")
	}

	return config, nil
}

// applyDefaults fills optional values left empty by a partial document.
func (c *Config) applyDefaults() {
	if c.AutoPurge != nil {
		if c.AutoPurge.Policy == "" {
			c.AutoPurge.Policy = defaults.DefaultPurgePolicy
		}
		if c.AutoPurge.PurgePeriod == 0 {
			c.AutoPurge.PurgePeriod = defaults.DefaultPurgePeriodSec
		}
		if c.AutoPurge.MaxRecordAge == 0 {
			c.AutoPurge.MaxRecordAge = defaults.DefaultMaxRecordAgeSec
		}
	}
	if c.Storage != nil && c.Storage.Name == "" {
		c.Storage.Name = c.Name
	}
}

// DefaultConfig returns a configuration with sensible defaults. Storage
// and DataSourceID have no default.
func DefaultConfig() *Config {
	return &Config{
		MinCommitPeriod:  defaults.DefaultMinCommitPeriodMs,
		ProcessEvents:    defaults.DefaultProcessEvents,
		SubscribeTimeout: defaults.DefaultSubscribeTimeout,
		Stats: StatsConfig{
			Percentiles: true,
			Accuracy:    0.01,
		},
		Backup: BackupConfig{
			Compression:  "zstd",
			RowGroupSize: defaults.DefaultBackupRowGroupSize,
		},
	}
}

// DefaultAutoPurge returns an enabled max-age purge configuration.
func DefaultAutoPurge() *AutoPurgeConfig {
	return &AutoPurgeConfig{
		Enabled:      true,
		PurgePeriod:  defaults.DefaultPurgePeriodSec,
		Policy:       defaults.DefaultPurgePolicy,
		MaxRecordAge: defaults.DefaultMaxRecordAgeSec,
	}
}
