package retention

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/storage"
)

// Scheduler runs a policy once on Start and then every interval until
// Stop. Runs never overlap.
type Scheduler struct {
	policy   Policy
	storage  storage.Storage
	interval time.Duration
	logger   *slog.Logger
	observer func(RunResult)

	runMu sync.Mutex // serializes runs

	mu    sync.RWMutex
	stats Stats

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats holds scheduler statistics.
type Stats struct {
	Runs           int64
	RecordsDeleted int64
	Errors         int64
	LastRunTime    time.Time
	LastDuration   time.Duration
	LastError      error
}

// RunResult describes one policy run.
type RunResult struct {
	Policy   string
	Deleted  int
	Duration time.Duration
	Err      error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithObserver registers fn to be called after every run.
func WithObserver(fn func(RunResult)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// NewScheduler creates a scheduler. It does not start it.
func NewScheduler(policy Policy, s storage.Storage, interval time.Duration, opts ...Option) *Scheduler {
	sch := &Scheduler{
		policy:   policy,
		storage:  s,
		interval: interval,
		logger:   logging.Component("retention"),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Start runs the policy immediately and then periodically.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return errors.NewValidation("purge_period", "must be positive")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "retention scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("retention scheduler started",
		"policy", s.policy.Name(),
		"interval", s.interval)
	return nil
}

// Stop cancels the periodic runs and waits for a run in progress.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}

// RunNow runs the policy once and records the result.
func (s *Scheduler) RunNow(ctx context.Context) RunResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	deleted, err := s.policy.Trim(ctx, s.storage, s.logger)
	res := RunResult{
		Policy:   s.policy.Name(),
		Deleted:  deleted,
		Duration: time.Since(start),
		Err:      err,
	}

	s.mu.Lock()
	s.stats.Runs++
	s.stats.RecordsDeleted += int64(deleted)
	s.stats.LastRunTime = start
	s.stats.LastDuration = res.Duration
	s.stats.LastError = err
	if err != nil {
		s.stats.Errors++
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Error("retention run failed", "policy", res.Policy, "error", err)
	}

	if s.observer != nil {
		s.observer(res)
	}
	return res
}

// DryRun counts the records the policy would delete.
func (s *Scheduler) DryRun(ctx context.Context) (int, error) {
	planner, ok := s.policy.(Planner)
	if !ok {
		return 0, errors.Wrapf(errors.ErrUnsupported, "dry run of policy %s", s.policy.Name())
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	return planner.Plan(ctx, s.storage)
}

// Stats returns current statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
