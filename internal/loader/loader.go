// Package loader handles hub configuration loading, validation and the
// assembly of the running object graph.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Building the bus, registry, producers and stream storages
//   - Reconciling producers when the file changes

package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/obshub/internal/errors"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Process includes (load additional producer and storage files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration document over the defaults. Environment
// variables are expanded first. Includes are not processed.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file and appends its producers and
// storages. Runtime settings of included files are ignored.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	var partial Config
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	cfg.Producers = append(cfg.Producers, partial.Producers...)
	cfg.Storages = append(cfg.Storages, partial.Storages...)
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration. Every problem is reported, not
// only the first.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	switch cfg.Logging.Format {
	case FormatText, FormatJSON:
	default:
		errs.AddField("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}

	if cfg.Shutdown.DrainTimeoutSec < 0 {
		errs.AddField("shutdown.drain_timeout_sec", "must not be negative")
	}

	switch cfg.Bus.Kind {
	case BusLocal:
	case BusNATS:
		errs.Add(cfg.Bus.NATS.Validate())
	default:
		errs.AddField("bus.kind", fmt.Sprintf("unknown kind %q", cfg.Bus.Kind))
	}

	// Producer UIDs are unique across the whole tree.
	seen := make(map[string]bool)
	for i, p := range cfg.Producers {
		if p == nil {
			errs.AddField(fmt.Sprintf("producers[%d]", i), "cannot be empty")
			continue
		}
		p.Walk(func(p *ProducerConfig) {
			validateProducer(errs, p)
			if p.UID == "" {
				return
			}
			if seen[p.UID] {
				errs.AddField("producers", "duplicate uid "+p.UID)
			}
			seen[p.UID] = true
		})
	}

	names := make(map[string]bool)
	for i, s := range cfg.Storages {
		if s == nil || s.Config == nil {
			errs.AddField(fmt.Sprintf("storages[%d]", i), "cannot be empty")
			continue
		}
		name := s.Name
		if name == "" {
			errs.AddMissing(fmt.Sprintf("storages[%d].name", i))
			continue
		}
		if names[name] {
			errs.AddField("storages", "duplicate name "+name)
		}
		names[name] = true
	}

	return errs.Err()
}

func validateProducer(errs *errors.ValidationErrors, p *ProducerConfig) {
	if p.UID == "" {
		errs.AddMissing("producers.uid")
		return
	}
	field := "producer " + p.UID

	switch p.kind() {
	case ProducerGeneric:
		if len(p.Members) > 0 {
			errs.AddField(field, "only groups have members")
		}
	case ProducerGroup:
	case ProducerSNMP:
		if p.SNMP == nil {
			errs.AddMissing(field + ".snmp")
		} else {
			errs.Add(p.SNMP.Validate())
		}
		if len(p.Outputs) > 0 || len(p.Members) > 0 {
			errs.AddField(field, "snmp producers derive their output from the points")
		}
	default:
		errs.AddField(field+".kind", fmt.Sprintf("unknown kind %q", p.Kind))
	}

	outputs := make([]string, 0, len(p.Outputs))
	for i, o := range p.Outputs {
		if o.Name == "" {
			errs.AddMissing(fmt.Sprintf("%s.outputs[%d].name", field, i))
			continue
		}
		if slices.Contains(outputs, o.Name) {
			errs.AddField(field+".outputs", "duplicate output "+o.Name)
		}
		outputs = append(outputs, o.Name)
		if len(o.Fields) == 0 {
			errs.AddMissing(fmt.Sprintf("%s.outputs[%d].fields", field, i))
		}
	}
}
