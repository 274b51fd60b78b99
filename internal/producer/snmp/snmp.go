// Package snmp implements a producer polling SNMP agents.
//
// Each sensor polls a fixed set of OIDs on one agent and publishes one
// record per poll on its output: the poll time followed by one value per
// configured point.
package snmp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"

	defaults "github.com/xtxerr/obshub/config"
	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/producer"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the SNMP configuration of one sensor.
type Config struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	// v2c
	Community string `yaml:"community"`

	// v3
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPassword  string `yaml:"priv_password"`
	ContextName   string `yaml:"context_name"`

	// Timing
	TimeoutMs  uint32 `yaml:"timeout_ms"`
	Retries    uint32 `yaml:"retries"`
	IntervalMs uint32 `yaml:"interval_ms"`

	// Output is the name of the published output. Defaults to "snmp".
	Output string  `yaml:"output"`
	Points []Point `yaml:"points"`
}

// Point maps one OID to one record field.
type Point struct {
	Name string          `yaml:"name"`
	OID  string          `yaml:"oid"`
	Type model.FieldType `yaml:"type"` // quantity, count or text
	UOM  string          `yaml:"uom"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	if c.Host == "" {
		v.AddMissing("snmp.host")
	}

	isV3 := c.SecurityName != ""
	if !isV3 && c.Community == "" {
		v.AddField("snmp.community", "SNMP v2c requires a community string")
	}

	if len(c.Points) == 0 {
		v.AddMissing("snmp.points")
	}
	seen := make(map[string]bool, len(c.Points))
	for i, p := range c.Points {
		if p.Name == "" || p.OID == "" {
			v.AddField(fmt.Sprintf("snmp.points[%d]", i), "name and oid are required")
		}
		if seen[p.Name] {
			v.AddField(fmt.Sprintf("snmp.points[%d]", i), "duplicate name "+p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case "", model.FieldQuantity, model.FieldCount, model.FieldText:
		default:
			v.AddField(fmt.Sprintf("snmp.points[%d].type", i), "must be quantity, count or text")
		}
	}

	return v.Err()
}

func (c *Config) outputName() string {
	if c.Output == "" {
		return "snmp"
	}
	return c.Output
}

func (c *Config) interval() time.Duration {
	if c.IntervalMs == 0 {
		return defaults.DefaultSNMPIntervalMs * time.Millisecond
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c *Config) oids() []string {
	oids := make([]string, len(c.Points))
	for i, p := range c.Points {
		oids[i] = p.OID
	}
	return oids
}

// Schema returns the record schema of the sensor output.
func (c *Config) Schema() model.Schema {
	fields := make([]model.Field, 0, len(c.Points)+1)
	fields = append(fields, model.Field{
		Name:       "time",
		Type:       model.FieldTime,
		Definition: model.DefSamplingTime,
	})
	for _, p := range c.Points {
		typ := p.Type
		if typ == "" {
			typ = model.FieldQuantity
		}
		fields = append(fields, model.Field{Name: p.Name, Type: typ, UOM: p.UOM})
	}
	return model.Schema{Name: c.outputName(), Fields: fields}
}

// =============================================================================
// Sensor
// =============================================================================

// Client is the subset of gosnmp.GoSNMP a sensor uses.
type Client interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

// Dialer opens a client for one poll.
type Dialer func(cfg *Config) (Client, error)

// Sensor is a producer polling one SNMP agent.
type Sensor struct {
	*producer.Base

	cfg    Config
	dial   Dialer
	logger *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	polls    atomic.Int64
	failures atomic.Int64
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithDialer replaces the gosnmp dialer.
func WithDialer(d Dialer) Option {
	return func(s *Sensor) { s.dial = d }
}

// New creates a sensor publishing on bus. It does not start polling.
func New(uid string, cfg Config, bus eventbus.Bus, opts ...Option) (*Sensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "sensor %s", uid)
	}

	s := &Sensor{
		Base: producer.New(uid, bus, producer.WithDescription(&model.Description{
			UID:  uid,
			Name: "SNMP sensor " + cfg.Host,
			Properties: map[string]string{
				"host": cfg.Host,
				"oids": strings.Join(cfg.oids(), ","),
			},
		})),
		cfg:    cfg,
		dial:   Dial,
		logger: logging.Component("snmp").With("producer", uid),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.AddOutput(cfg.outputName(), cfg.Schema(), model.EncodingJSON); err != nil {
		return nil, err
	}
	return s, nil
}

// Start polls once immediately and then every interval until Stop.
func (s *Sensor) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrapf(errors.ErrAlreadyStarted, "sensor %s", s.UID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("sensor started", "host", s.cfg.Host, "interval", s.cfg.interval())
	return nil
}

// Stop stops polling and waits for a poll in progress.
func (s *Sensor) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sensor stopped")
	return nil
}

func (s *Sensor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	for {
		if s.IsEnabled() {
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("poll failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads every configured OID once and publishes the record.
func (s *Sensor) Poll(ctx context.Context) error {
	s.polls.Add(1)

	rec, err := s.read(ctx)
	s.State().RecordResult(err)
	if err != nil {
		s.failures.Add(1)
		return err
	}
	return s.Publish(ctx, s.cfg.outputName(), rec)
}

func (s *Sensor) read(ctx context.Context) (model.Record, error) {
	start := time.Now()

	client, err := s.dial(&s.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	defer client.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pdu, err := client.Get(s.cfg.oids())
	if err != nil {
		if isTimeoutError(err) {
			return nil, errors.Wrapf(errors.ErrTimeout, "get from %s", s.cfg.Host)
		}
		return nil, errors.Wrap(err, "get")
	}
	if len(pdu.Variables) != len(s.cfg.Points) {
		return nil, fmt.Errorf("expected %d variables, got %d", len(s.cfg.Points), len(pdu.Variables))
	}

	rec := make(model.Record, 0, len(pdu.Variables)+1)
	rec = append(rec, start)
	for i, variable := range pdu.Variables {
		v, err := convertVariable(variable)
		if err != nil {
			return nil, errors.Wrapf(err, "point %s", s.cfg.Points[i].Name)
		}
		rec = append(rec, v)
	}
	return rec, nil
}

// SensorStats holds poll counters.
type SensorStats struct {
	Polls    int64
	Failures int64
	Health   string
}

// Stats returns poll counters.
func (s *Sensor) Stats() SensorStats {
	return SensorStats{
		Polls:    s.polls.Load(),
		Failures: s.failures.Load(),
		Health:   s.State().Health(),
	}
}

// convertVariable maps an SNMP variable to a record value: numbers become
// float64, strings stay strings.
func convertVariable(variable gosnmp.SnmpPDU) (any, error) {
	switch variable.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32:
		val, _ := gosnmp.ToBigInt(variable.Value).Float64()
		return val, nil

	case gosnmp.Integer:
		return float64(variable.Value.(int)), nil

	case gosnmp.OctetString:
		return string(variable.Value.([]byte)), nil

	case gosnmp.TimeTicks:
		return float64(variable.Value.(uint32)), nil

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return nil, errors.NewNotFound("OID", variable.Name)

	default:
		return nil, errors.Wrapf(errors.ErrUnsupported, "SNMP type %v", variable.Type)
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	// gosnmp returns "request timeout" on timeout
	msg := err.Error()
	return strings.Contains(msg, "request timeout") ||
		strings.Contains(msg, "context deadline exceeded")
}
