package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/storage"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Storage = &storage.Config{Kind: "memory"}
	cfg.DataSourceID = "urn:sensor:1"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MinCommitPeriod != 10000 {
		t.Errorf("expected min_commit_period=10000, got %d", cfg.MinCommitPeriod)
	}
	if !cfg.ProcessEvents {
		t.Error("expected process_events enabled by default")
	}
	if cfg.SubscribeTimeout != 5*time.Second {
		t.Errorf("unexpected subscribe_timeout %v", cfg.SubscribeTimeout)
	}
	if cfg.AutoPurgeEnabled() {
		t.Error("auto purge should be disabled by default")
	}
	if cfg.PercentileAccuracy() != 0.01 {
		t.Errorf("unexpected accuracy %f", cfg.PercentileAccuracy())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"missing storage", func(c *Config) { c.Storage = nil }, errors.ErrMissingField},
		{"empty kind", func(c *Config) { c.Storage.Kind = "" }, errors.ErrInvalidConfig},
		{"missing data source", func(c *Config) { c.DataSourceID = "" }, errors.ErrMissingField},
		{"negative commit period", func(c *Config) { c.MinCommitPeriod = -1 }, errors.ErrInvalidConfig},
		{"zero subscribe timeout", func(c *Config) { c.SubscribeTimeout = 0 }, errors.ErrInvalidConfig},
		{"empty excluded output", func(c *Config) { c.ExcludedOutputs = []string{""} }, errors.ErrInvalidConfig},
		{"bad accuracy", func(c *Config) { c.Stats.Accuracy = 2 }, errors.ErrInvalidConfig},
		{"accuracy ignored when disabled", func(c *Config) {
			c.Stats.Percentiles = false
			c.Stats.Accuracy = 2
		}, nil},
		{"bad compression", func(c *Config) { c.Backup.Compression = "rar" }, errors.ErrInvalidConfig},
		{"purge without period", func(c *Config) {
			c.AutoPurge = DefaultAutoPurge()
			c.AutoPurge.PurgePeriod = 0
		}, errors.ErrInvalidConfig},
		{"purge without policy", func(c *Config) {
			c.AutoPurge = DefaultAutoPurge()
			c.AutoPurge.Policy = ""
		}, errors.ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidate_CollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCommitPeriod = -1

	err := cfg.Validate()

	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(verrs.Errors), err)
	}
}

func TestParse(t *testing.T) {
	doc := `
name: weather
storage:
  kind: duckdb
  dsn: /tmp/weather.db
data_source_id: urn:station:1
excluded_outputs: [video]
min_commit_period: 500
subscribe_timeout: 250ms
auto_purge:
  enabled: true
  max_record_age: 3600
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Storage.Kind != "duckdb" || cfg.Storage.Name != "weather" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if !cfg.IsExcluded("video") || cfg.IsExcluded("temp") {
		t.Error("unexpected exclusion set")
	}
	if cfg.MinCommitInterval() != 500*time.Millisecond {
		t.Errorf("unexpected commit interval %v", cfg.MinCommitInterval())
	}
	if cfg.SubscribeTimeout != 250*time.Millisecond {
		t.Errorf("unexpected subscribe timeout %v", cfg.SubscribeTimeout)
	}
	if !cfg.ProcessEvents {
		t.Error("process_events default lost")
	}
	if !cfg.AutoPurgeEnabled() || cfg.AutoPurge.Policy != "max-age" {
		t.Errorf("unexpected auto purge %+v", cfg.AutoPurge)
	}
	if cfg.AutoPurge.MaxAge() != time.Hour || cfg.AutoPurge.Interval() != time.Hour {
		t.Errorf("unexpected purge durations %v %v", cfg.AutoPurge.MaxAge(), cfg.AutoPurge.Interval())
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("storage: [")); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected config error for bad YAML, got %v", err)
	}
	if _, err := Parse([]byte("data_source_id: x")); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing storage, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.yaml")
	doc := "storage: {kind: memory}\ndata_source_id: urn:sensor:1\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DataSourceID != "urn:sensor:1" {
		t.Errorf("unexpected data source %q", cfg.DataSourceID)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSummary(t *testing.T) {
	cfg := validConfig()
	cfg.AutoPurge = DefaultAutoPurge()

	s := cfg.Summary()
	for _, want := range []string{"urn:sensor:1", "memory", "max-age every 1h, max age 7d", "10s", "1.0% accuracy"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{48 * time.Hour, "2d"},
		{3 * time.Hour, "3h"},
		{5 * time.Minute, "5m"},
		{1500 * time.Millisecond, "1.5s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
