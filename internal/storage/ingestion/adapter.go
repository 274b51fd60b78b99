// Package ingestion persists the output of a live producer tree into a
// storage backend.
//
// An Adapter resolves its root producer from the registry, stores the
// producer metadata, subscribes to the producer events and writes every
// record it receives. Producer groups are handled recursively: with a
// multi-source backend each member gets its own sub-store and its own
// subscription. Registry lifecycle events connect and disconnect producers
// while the adapter runs.
package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/metrics"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/registry"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/aggregate"
	"github.com/xtxerr/obshub/internal/storage/config"
	"github.com/xtxerr/obshub/internal/storage/retention"
	syncx "github.com/xtxerr/obshub/internal/sync"
)

const (
	waitingStatus      = "Waiting for data source "
	disconnectedStatus = "Disconnected from data source "
)

// Resolver looks up producers by UID.
type Resolver interface {
	Resolve(uid string) (model.Producer, error)
}

// Adapter is a storage module that ingests the events of one producer
// tree. It also exposes the underlying storage.
type Adapter struct {
	cfg      *config.Config
	registry Resolver
	bus      eventbus.Bus
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	mu     sync.RWMutex
	store  storage.Module
	status string
	regSub eventbus.Subscription
	purge  *retention.Scheduler

	running       atomic.Bool
	processEvents atomic.Bool

	subs       sync.Map // producer UID -> eventbus.Subscription
	fois       sync.Map // producer UID -> FOI UID
	indexers   sync.Map // output name -> *model.TimeIndexer
	dataStores sync.Map // producer UID -> storage.Storage
	states     sync.Map // producer UID -> ProducerState

	// member UIDs of each connected group, recorded at connect
	membersMu sync.Mutex
	members   map[string][]string

	storeOnce syncx.ResettableOnce
	connectMu syncx.KeyedMutex
	ensure    singleflight.Group

	commitMu   sync.Mutex
	lastCommit time.Time

	tracker *aggregate.Tracker
	stats   counters
}

type counters struct {
	eventsReceived atomic.Int64
	eventsDropped  atomic.Int64
	recordsStored  atomic.Int64
	recordsFailed  atomic.Int64
	commits        atomic.Int64
	dispatchErrors atomic.Int64
	connects       atomic.Int64
}

// Stats holds ingestion statistics.
type Stats struct {
	EventsReceived int64
	EventsDropped  int64
	RecordsStored  int64
	RecordsFailed  int64

	// Commits counts commits triggered by the write path.
	Commits        int64
	DispatchErrors int64
	Connects       int64
	LastCommit     time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStorage uses mod instead of opening the configured backend.
func WithStorage(mod storage.Module) Option {
	return func(a *Adapter) { a.store = mod }
}

// WithMetrics records metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m.Storage(a.cfg.Name) }
}

// WithLogger overrides the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithClock overrides the clock used for commits and fallback time stamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New creates an adapter for cfg. The adapter does nothing until Start.
func New(cfg *config.Config, reg Resolver, bus eventbus.Bus, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.NewMissingField("stream storage configuration")
	}
	if reg == nil {
		return nil, errors.NewMissingField("registry")
	}
	if bus == nil {
		return nil, errors.NewMissingField("event bus")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:      cfg,
		registry: reg,
		bus:      bus,
		logger:   logging.Component("ingestion").With("storage", cfg.Name),
		now:      time.Now,
		members:  make(map[string][]string),
		tracker:  aggregate.NewTracker(cfg.PercentileAccuracy()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the configured name.
func (a *Adapter) Name() string { return a.cfg.Name }

// RootUID returns the UID of the root producer.
func (a *Adapter) RootUID() string { return a.cfg.DataSourceID }

// Start opens and starts the underlying storage, subscribes to registry
// lifecycle events and connects the root producer when it is available
// and enabled.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.Wrapf(errors.ErrAlreadyStarted, "stream storage %s", a.cfg.Name)
	}

	if err := a.startStorage(ctx); err != nil {
		a.running.Store(false)
		return err
	}
	a.processEvents.Store(a.cfg.ProcessEvents)

	if err := a.startRetention(); err != nil {
		a.shutdown()
		return err
	}

	if err := a.subscribeRegistry(ctx); err != nil {
		a.shutdown()
		return err
	}

	if err := a.connectRoot(ctx); err != nil {
		a.shutdown()
		return err
	}

	a.logger.Info("stream storage started",
		"root", a.cfg.DataSourceID,
		"process_events", a.cfg.ProcessEvents,
		"auto_purge", a.cfg.AutoPurgeEnabled())
	return nil
}

func (a *Adapter) startStorage(ctx context.Context) error {
	a.mu.Lock()
	if a.store == nil {
		mod, err := storage.Open(a.cfg.Storage)
		if err != nil {
			a.mu.Unlock()
			return errors.Wrapf(err, "stream storage %s", a.cfg.Name)
		}
		a.store = mod
	}
	store := a.store
	a.mu.Unlock()

	return a.storeOnce.Do(func() error {
		if err := store.Start(ctx); err != nil {
			return errors.Wrapf(errors.Join(errors.ErrInstantiation, err), "start underlying storage of %s", a.cfg.Name)
		}
		return nil
	})
}

func (a *Adapter) startRetention() error {
	if !a.cfg.AutoPurgeEnabled() {
		return nil
	}

	policy, err := retention.NewPolicy(a.cfg.AutoPurge)
	if err != nil {
		return errors.Wrapf(err, "stream storage %s", a.cfg.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.purge = retention.NewScheduler(policy, a.store, a.cfg.AutoPurge.Interval(),
		retention.WithLogger(a.logger.With("policy", policy.Name())),
		retention.WithObserver(func(r retention.RunResult) {
			a.metrics.RecordsPurged(r.Deleted)
		}),
	)
	return a.purge.Start()
}

func (a *Adapter) subscribeRegistry(ctx context.Context) error {
	sel := eventbus.Selector{
		Sources: []string{registry.EventSourceID},
		Kinds:   eventbus.LifecycleKinds,
	}

	sub, err := a.subscribe(ctx, sel, a.handleLifecycle, "registry "+registry.EventSourceID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.regSub = sub
	a.mu.Unlock()

	sub.Request(eventbus.Unbounded)
	return nil
}

// subscribe registers h within the configured subscribe timeout.
func (a *Adapter) subscribe(ctx context.Context, sel eventbus.Selector, h eventbus.Handler, what string) (eventbus.Subscription, error) {
	subCtx, cancel := context.WithTimeout(ctx, a.cfg.SubscribeTimeout)
	defer cancel()

	sub, err := a.bus.Subscribe(subCtx, sel, h)
	if err != nil {
		if errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewTimeout(what)
		}
		return nil, errors.Wrapf(errors.Join(errors.ErrDispatch, err), "subscribe to %s", what)
	}
	return sub, nil
}

// Stop disconnects every producer, stops the retention scheduler and
// stops the underlying storage. Pending writes are committed first.
// Stop is idempotent.
func (a *Adapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}

	err := a.shutdown()
	a.logger.Info("stream storage stopped")
	return err
}

// shutdown releases everything Start acquired.
func (a *Adapter) shutdown() error {
	a.running.Store(false)
	a.processEvents.Store(false)

	a.mu.Lock()
	regSub := a.regSub
	a.regSub = nil
	purge := a.purge
	a.purge = nil
	a.mu.Unlock()

	if regSub != nil {
		regSub.Cancel()
	}

	a.disconnectTree(a.cfg.DataSourceID)
	a.subs.Range(func(uid, _ any) bool {
		a.disconnectTree(uid.(string))
		return true
	})

	if purge != nil {
		purge.Stop()
	}

	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()

	var err error
	if store != nil && a.storeOnce.Done() {
		if cerr := store.Commit(context.Background()); cerr != nil {
			a.logger.Warn("final commit failed", "error", cerr)
		}
		err = store.Stop()
	}
	a.storeOnce.Reset()

	a.fois.Clear()
	a.indexers.Clear()
	a.membersMu.Lock()
	clear(a.members)
	a.membersMu.Unlock()
	a.dataStores.Clear()
	a.states.Clear()

	a.commitMu.Lock()
	a.lastCommit = time.Time{}
	a.commitMu.Unlock()

	return err
}

// IsRunning reports whether the adapter is started.
func (a *Adapter) IsRunning() bool {
	return a.running.Load()
}

// Status returns the current status message, empty when connected.
func (a *Adapter) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) reportStatus(msg string) {
	a.mu.Lock()
	a.status = msg
	a.mu.Unlock()
	a.logger.Info(msg)
}

func (a *Adapter) clearStatus() {
	a.mu.Lock()
	a.status = ""
	a.mu.Unlock()
}

// SetProcessEvents switches the write path on or off.
func (a *Adapter) SetProcessEvents(enabled bool) {
	a.processEvents.Store(enabled && a.running.Load())
}

// Stats returns a snapshot of ingestion statistics.
func (a *Adapter) Stats() Stats {
	a.commitMu.Lock()
	last := a.lastCommit
	a.commitMu.Unlock()

	return Stats{
		EventsReceived: a.stats.eventsReceived.Load(),
		EventsDropped:  a.stats.eventsDropped.Load(),
		RecordsStored:  a.stats.recordsStored.Load(),
		RecordsFailed:  a.stats.recordsFailed.Load(),
		Commits:        a.stats.commits.Load(),
		DispatchErrors: a.stats.dispatchErrors.Load(),
		Connects:       a.stats.connects.Load(),
		LastCommit:     last,
	}
}

// IngestionStats returns per-output ingestion statistics.
func (a *Adapter) IngestionStats() []aggregate.Result {
	return a.tracker.Snapshot()
}

// PurgeNow runs the retention policy once.
func (a *Adapter) PurgeNow(ctx context.Context) (retention.RunResult, error) {
	a.mu.RLock()
	purge := a.purge
	a.mu.RUnlock()

	if purge == nil {
		return retention.RunResult{}, errors.Wrapf(errors.ErrUnsupported, "auto purge is disabled for %s", a.cfg.Name)
	}
	res := purge.RunNow(ctx)
	return res, res.Err
}

// PurgeStats returns the retention scheduler statistics. ok is false when
// auto purge is disabled.
func (a *Adapter) PurgeStats() (stats retention.Stats, ok bool) {
	a.mu.RLock()
	purge := a.purge
	a.mu.RUnlock()

	if purge == nil {
		return retention.Stats{}, false
	}
	return purge.Stats(), true
}
