package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/logging"
)

// Local is an in-process Bus. By default every subscription is served by
// its own goroutine; WithSyncDelivery delivers on the publisher's goroutine
// instead.
type Local struct {
	mu   sync.RWMutex
	subs map[string]*localSub

	syncDelivery bool
	logger       *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

// Option configures a Local bus.
type Option func(*Local)

// WithSyncDelivery makes Publish run handlers before returning.
func WithSyncDelivery() Option {
	return func(b *Local) { b.syncDelivery = true }
}

// WithLogger overrides the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Local) { b.logger = l }
}

// NewLocal creates an in-process bus.
func NewLocal(opts ...Option) *Local {
	b := &Local{
		subs:   make(map[string]*localSub),
		logger: logging.Component("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe implements Bus.
func (b *Local) Subscribe(ctx context.Context, sel Selector, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	if b.closed.Load() {
		return nil, errors.Wrap(errors.ErrClosed, "subscribe")
	}
	if h == nil {
		return nil, errors.New("subscribe: nil handler")
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &localSub{
		id:     uuid.New().String(),
		sel:    sel,
		h:      h,
		bus:    b,
		ctx:    subCtx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	if !b.syncDelivery {
		b.wg.Add(1)
		go s.run()
	}

	b.logger.Debug("subscription registered", "id", s.id, "sources", sel.Sources, "kinds", sel.Kinds)
	return s, nil
}

// Publish implements Bus.
func (b *Local) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return errors.Wrap(errors.ErrClosed, "publish")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "publish")
	}

	b.mu.RLock()
	targets := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.sel.Matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range targets {
		s.enqueue(ev)
	}
	return nil
}

// Close cancels every subscription and waits for delivery goroutines.
func (b *Local) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	b.wg.Wait()
	return nil
}

// BusStats holds bus statistics.
type BusStats struct {
	Subscriptions int
	Published     int64
	Delivered     int64
	Panics        int64
}

// Stats returns a snapshot of bus statistics.
func (b *Local) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return BusStats{
		Subscriptions: n,
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Panics:        b.panics.Load(),
	}
}

func (b *Local) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// ============================================================================
// Subscription
// ============================================================================

type localSub struct {
	id  string
	sel Selector
	h   Handler
	bus *Local

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wake   chan struct{}

	mu        sync.Mutex
	queue     []Event
	credit    int64
	cancelled bool

	// serializes inline delivery
	deliverMu sync.Mutex
}

func (s *localSub) ID() string { return s.id }

func (s *localSub) Request(n int64) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	if s.credit > Unbounded-n {
		s.credit = Unbounded
	} else {
		s.credit += n
	}
	s.mu.Unlock()

	s.signal()
}

func (s *localSub) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.queue = nil
		s.mu.Unlock()

		s.cancel()
		s.bus.remove(s.id)
	})
}

func (s *localSub) enqueue(ev Event) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	s.signal()
}

func (s *localSub) signal() {
	if s.bus.syncDelivery {
		s.drain()
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take pops the next deliverable event, consuming one credit.
func (s *localSub) take() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || len(s.queue) == 0 || s.credit == 0 {
		return nil, false
	}

	ev := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if s.credit != Unbounded {
		s.credit--
	}
	return ev, true
}

func (s *localSub) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelled && len(s.queue) > 0 && s.credit > 0
}

// drain delivers inline. A nested call from a handler returns at once and
// leaves the work to the outer loop.
func (s *localSub) drain() {
	for {
		if !s.deliverMu.TryLock() {
			return
		}
		for {
			ev, ok := s.take()
			if !ok {
				break
			}
			s.deliver(ev)
		}
		s.deliverMu.Unlock()

		if !s.pending() {
			return
		}
	}
}

func (s *localSub) run() {
	defer s.bus.wg.Done()

	for {
		if ev, ok := s.take(); ok {
			s.deliver(ev)
			continue
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *localSub) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.panics.Add(1)
			s.bus.logger.Error("event handler panicked",
				"subscription", s.id,
				"kind", ev.Kind().String(),
				"source", ev.SourceID(),
				"panic", fmt.Sprint(r))
		}
	}()

	s.h(s.ctx, ev)
	s.bus.delivered.Add(1)
}
