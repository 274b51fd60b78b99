package loader

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	defaults "github.com/xtxerr/obshub/config"
	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/eventbus/natsbus"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/metrics"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/producer"
	"github.com/xtxerr/obshub/internal/producer/snmp"
	"github.com/xtxerr/obshub/internal/registry"
	"github.com/xtxerr/obshub/internal/storage/ingestion"

	// Storage backends available to stream storages.
	_ "github.com/xtxerr/obshub/internal/storage/duckdb"
	_ "github.com/xtxerr/obshub/internal/storage/memory"
)

// =============================================================================
// Hub
// =============================================================================

// Hub is the running object graph of one configuration: the event bus,
// the producer registry, the producers and one ingestion adapter per
// stream storage.
type Hub struct {
	cfg      *Config
	bus      eventbus.Bus
	registry *registry.Registry
	metrics  *metrics.Metrics
	gatherer *prometheus.Registry
	dial     snmp.Dialer
	logger   *slog.Logger

	startAttempts   int
	startRetryDelay time.Duration

	running atomic.Bool

	mu        sync.Mutex
	producers map[string]model.Producer
	sensors   map[string][]*snmp.Sensor // keyed by top-level UID
	storages  []*ingestion.Adapter
}

// HubOption configures Build.
type HubOption func(*Hub)

// WithBus uses bus instead of the one named by the configuration. The hub
// still closes it on Stop.
func WithBus(bus eventbus.Bus) HubOption {
	return func(h *Hub) { h.bus = bus }
}

// WithSNMPDialer replaces the dialer of every SNMP sensor.
func WithSNMPDialer(d snmp.Dialer) HubOption {
	return func(h *Hub) { h.dial = d }
}

// WithStartRetry sets how often a stream storage start that failed with a
// retriable error is attempted, and the pause between attempts.
func WithStartRetry(attempts int, delay time.Duration) HubOption {
	return func(h *Hub) {
		h.startAttempts = max(attempts, 1)
		h.startRetryDelay = delay
	}
}

// Build validates cfg and creates every component. Nothing runs until
// Start.
func Build(cfg *Config, opts ...HubOption) (*Hub, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:       cfg,
		logger:    logging.Component("hub"),
		producers: make(map[string]model.Producer),
		sensors:   make(map[string][]*snmp.Sensor),

		startAttempts:   defaults.DefaultStorageStartAttempts,
		startRetryDelay: defaults.DefaultStorageStartRetryDelay,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.bus == nil {
		bus, err := openBus(cfg.Bus)
		if err != nil {
			return nil, err
		}
		h.bus = bus
	}

	if err := h.build(); err != nil {
		h.bus.Close()
		return nil, err
	}
	return h, nil
}

func openBus(cfg BusConfig) (eventbus.Bus, error) {
	switch cfg.Kind {
	case BusNATS:
		bus, err := natsbus.Connect(cfg.NATS)
		if err != nil {
			return nil, errors.Wrap(err, "open event bus")
		}
		return bus, nil
	default:
		return eventbus.NewLocal(eventbus.WithLogger(logging.Component("eventbus"))), nil
	}
}

func (h *Hub) build() error {
	h.registry = registry.New(h.bus)

	h.gatherer = prometheus.NewRegistry()
	h.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(h.gatherer)
	if err != nil {
		return err
	}
	h.metrics = m

	for _, pc := range h.cfg.Producers {
		p, sensors, err := h.buildProducer(pc)
		if err != nil {
			return err
		}
		h.producers[pc.UID] = p
		h.sensors[pc.UID] = sensors
	}

	known := make(map[string]bool)
	for _, pc := range h.cfg.Producers {
		pc.Walk(func(p *ProducerConfig) { known[p.UID] = true })
	}

	for _, sc := range h.cfg.Storages {
		a, err := ingestion.New(sc.Config, h.registry, h.bus, ingestion.WithMetrics(h.metrics))
		if err != nil {
			return errors.Wrapf(err, "stream storage %s", sc.Name)
		}
		if !known[sc.DataSourceID] {
			h.logger.Warn("stream storage waits for an unconfigured data source",
				"storage", sc.Name, "producer", sc.DataSourceID)
		}
		h.storages = append(h.storages, a)
	}
	return nil
}

// buildProducer creates the producer described by pc and its members. It
// returns every SNMP sensor of the subtree so they can be started.
func (h *Hub) buildProducer(pc *ProducerConfig) (model.Producer, []*snmp.Sensor, error) {
	opts := []producer.Option{
		producer.WithEnabled(pc.IsEnabled()),
		producer.WithDescription(&model.Description{
			UID:        pc.UID,
			Name:       cmp.Or(pc.Name, pc.UID),
			Properties: pc.Properties,
		}),
	}

	var (
		base    *producer.Base
		result  model.Producer
		sensors []*snmp.Sensor
	)

	switch pc.kind() {
	case ProducerSNMP:
		var sopts []snmp.Option
		if h.dial != nil {
			sopts = append(sopts, snmp.WithDialer(h.dial))
		}
		s, err := snmp.New(pc.UID, *pc.SNMP, h.bus, sopts...)
		if err != nil {
			return nil, nil, err
		}
		s.SetEnabled(pc.IsEnabled())
		base, result = s.Base, s
		sensors = append(sensors, s)

	case ProducerGroup:
		g := producer.NewGroup(pc.UID, h.bus, opts...)
		for _, mc := range pc.Members {
			m, ms, err := h.buildProducer(mc)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "group %s", pc.UID)
			}
			if err := g.AddMember(m); err != nil {
				return nil, nil, errors.Wrapf(err, "group %s", pc.UID)
			}
			sensors = append(sensors, ms...)
		}
		base, result = g.Base, g

	default:
		b := producer.New(pc.UID, h.bus, opts...)
		base, result = b, b
	}

	for _, oc := range pc.Outputs {
		enc := oc.Encoding
		if enc == "" {
			enc = model.EncodingJSON
		}
		schema := model.Schema{Name: oc.Name, Fields: oc.Fields}
		if _, err := base.AddOutput(oc.Name, schema, enc); err != nil {
			return nil, nil, errors.Wrapf(err, "producer %s", pc.UID)
		}
	}

	if pc.Foi != nil {
		// Nothing subscribes yet; the event only seeds the current FOI.
		if err := base.SetFoi(context.Background(), pc.Foi); err != nil {
			return nil, nil, errors.Wrapf(err, "producer %s", pc.UID)
		}
	}

	return result, sensors, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the stream storages, registers the producers and starts
// the SNMP sensors. Storages start first so each one sees its data source
// appear. When a storage fails to start every started storage is stopped
// again.
func (h *Hub) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	var g errgroup.Group
	for _, a := range h.storages {
		g.Go(func() error {
			return h.startStorage(ctx, a)
		})
	}
	if err := g.Wait(); err != nil {
		for _, a := range h.storages {
			a.Stop()
		}
		h.running.Store(false)
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, uid := range slices.Sorted(maps.Keys(h.producers)) {
		if err := h.registry.Register(ctx, h.producers[uid]); err != nil {
			return err
		}
		h.startSensors(uid)
	}

	h.logger.Info("hub started",
		"producers", len(h.producers),
		"storages", len(h.storages))
	return nil
}

// startStorage starts a, retrying errors that may go away on their own
// such as subscription timeouts.
func (h *Hub) startStorage(ctx context.Context, a *ingestion.Adapter) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = a.Start(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetriable(err) || attempt >= h.startAttempts {
			break
		}

		h.logger.Warn("stream storage start failed, retrying",
			"storage", a.Name(),
			"attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return errors.Wrapf(errors.Join(err, ctx.Err()), "start stream storage %s", a.Name())
		case <-time.After(h.startRetryDelay):
		}
	}
	return errors.Wrapf(err, "start stream storage %s", a.Name())
}

func (h *Hub) startSensors(uid string) {
	for _, s := range h.sensors[uid] {
		if err := s.Start(); err != nil {
			h.logger.Warn("start sensor", "producer", s.UID(), "error", err)
		}
	}
}

func (h *Hub) stopSensors(uid string) {
	for _, s := range h.sensors[uid] {
		s.Stop()
	}
}

// Stop stops the sensors, then the storages concurrently, then closes the
// bus. ctx bounds the wait for the storages.
func (h *Hub) Stop(ctx context.Context) error {
	if !h.running.CompareAndSwap(true, false) {
		return nil
	}

	h.mu.Lock()
	for uid := range h.sensors {
		h.stopSensors(uid)
	}
	h.mu.Unlock()

	var g errgroup.Group
	for _, a := range h.storages {
		g.Go(func() error {
			return errors.Wrapf(a.Stop(), "stop stream storage %s", a.Name())
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = errors.NewTimeout("stream storages to stop")
	}

	if cerr := h.bus.Close(); cerr != nil {
		err = errors.Join(err, errors.Wrap(cerr, "close event bus"))
	}

	h.logger.Info("hub stopped")
	return err
}

// DrainTimeout returns the configured shutdown budget.
func (h *Hub) DrainTimeout() time.Duration {
	return time.Duration(h.cfg.Shutdown.DrainTimeoutSec) * time.Second
}

// =============================================================================
// Accessors
// =============================================================================

// Bus returns the event bus.
func (h *Hub) Bus() eventbus.Bus { return h.bus }

// Registry returns the producer registry.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Gatherer returns the Prometheus registry holding the hub metrics.
func (h *Hub) Gatherer() prometheus.Gatherer { return h.gatherer }

// Storages returns the stream storages in configuration order.
func (h *Hub) Storages() []*ingestion.Adapter {
	return slices.Clone(h.storages)
}

// Storage returns the stream storage name.
func (h *Hub) Storage(name string) (*ingestion.Adapter, bool) {
	for _, a := range h.storages {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// =============================================================================
// Reconcile
// =============================================================================

// ApplyResult summarizes a reconciliation.
type ApplyResult struct {
	Added    int
	Removed  int
	Enabled  int
	Disabled int
	Errors   []string
}

// Reconcile brings the registered top-level producers in line with cfg:
// new producers are built and registered, missing ones unregistered, and
// enabled flags applied. Producers are matched by UID only; a changed
// definition under the same UID is not rebuilt. Storage changes need a
// restart.
func (h *Hub) Reconcile(ctx context.Context, cfg *Config) (*ApplyResult, error) {
	if !h.running.Load() {
		return nil, errors.ErrNotStarted
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result := &ApplyResult{}
	fail := func(err error) { result.Errors = append(result.Errors, err.Error()) }

	next := make(map[string]*ProducerConfig, len(cfg.Producers))
	for _, pc := range cfg.Producers {
		next[pc.UID] = pc
	}

	for _, uid := range slices.Sorted(maps.Keys(h.producers)) {
		if _, ok := next[uid]; ok {
			continue
		}
		h.stopSensors(uid)
		if err := h.registry.Unregister(ctx, uid); err != nil {
			fail(err)
			continue
		}
		delete(h.producers, uid)
		delete(h.sensors, uid)
		result.Removed++
	}

	for _, uid := range slices.Sorted(maps.Keys(next)) {
		pc := next[uid]

		current, ok := h.producers[uid]
		if !ok {
			p, sensors, err := h.buildProducer(pc)
			if err != nil {
				fail(err)
				continue
			}
			if err := h.registry.Register(ctx, p); err != nil {
				fail(err)
				continue
			}
			h.producers[uid] = p
			h.sensors[uid] = sensors
			h.startSensors(uid)
			result.Added++
			continue
		}

		if current.IsEnabled() == pc.IsEnabled() {
			continue
		}
		if pc.IsEnabled() {
			if err := h.registry.Enable(ctx, uid); err != nil {
				fail(err)
				continue
			}
			result.Enabled++
		} else {
			if err := h.registry.Disable(ctx, uid); err != nil {
				fail(err)
				continue
			}
			result.Disabled++
		}
	}

	if len(cfg.Storages) != len(h.cfg.Storages) {
		h.logger.Warn("stream storage changes take effect after a restart")
	}

	h.logger.Info("configuration reconciled",
		"added", result.Added,
		"removed", result.Removed,
		"enabled", result.Enabled,
		"disabled", result.Disabled,
		"errors", len(result.Errors))
	return result, nil
}
