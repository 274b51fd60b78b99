package config

import (
	"fmt"

	"github.com/xtxerr/obshub/internal/errors"
)

var validCompressions = map[string]bool{
	"snappy": true,
	"zstd":   true,
	"lz4":    true,
	"gzip":   true,
	"none":   true,
	"":       true, // Empty defaults to zstd
}

// Validate checks the configuration for errors. All problems are
// reported at once.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	// Storage
	if c.Storage == nil {
		v.AddMissing("storage")
	} else {
		v.Add(c.Storage.Validate())
	}

	// Data source
	if c.DataSourceID == "" {
		v.AddMissing("data_source_id")
	}

	for i, name := range c.ExcludedOutputs {
		if name == "" {
			v.AddField(fmt.Sprintf("excluded_outputs[%d]", i), "must not be empty")
		}
	}

	if c.MinCommitPeriod < 0 {
		v.AddField("min_commit_period", "must not be negative")
	}

	if c.SubscribeTimeout <= 0 {
		v.AddField("subscribe_timeout", "must be positive")
	}

	// Auto purge
	if c.AutoPurge != nil {
		c.AutoPurge.validate(v)
	}

	// Stats
	if c.Stats.Percentiles && (c.Stats.Accuracy <= 0 || c.Stats.Accuracy >= 1) {
		v.AddField("stats.accuracy", "must be between 0 and 1")
	}

	// Backup
	if !validCompressions[c.Backup.Compression] {
		v.AddField("backup.compression", "must be one of: snappy, zstd, lz4, gzip, none")
	}
	if c.Backup.RowGroupSize < 0 {
		v.AddField("backup.row_group_size", "must not be negative")
	}

	return v.Err()
}

func (c *AutoPurgeConfig) validate(v *errors.ValidationErrors) {
	if c.PurgePeriod <= 0 {
		v.AddField("auto_purge.purge_period", "must be positive")
	}
	if c.MaxRecordAge <= 0 {
		v.AddField("auto_purge.max_record_age", "must be positive")
	}
	if c.Policy == "" {
		v.AddMissing("auto_purge.policy")
	}
}
