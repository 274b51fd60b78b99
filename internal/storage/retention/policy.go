// Package retention deletes obsolete records from a storage.
//
// A Policy decides what is obsolete. The Scheduler runs one policy
// periodically against one storage.
package retention

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/config"
)

// Policy trims a storage and returns the number of records deleted.
// Implementations commit their own changes.
type Policy interface {
	Name() string
	Trim(ctx context.Context, s storage.Storage, logger *slog.Logger) (int, error)
}

// Planner is implemented by policies that can count what Trim would
// delete without deleting it.
type Planner interface {
	Plan(ctx context.Context, s storage.Storage) (int, error)
}

// Factory builds a policy from its configuration.
type Factory func(cfg *config.AutoPurgeConfig) (Policy, error)

// MaxAgeName is the registered name of MaxAgePolicy.
const MaxAgeName = "max-age"

var (
	policiesMu sync.RWMutex
	policies   = map[string]Factory{
		MaxAgeName: func(cfg *config.AutoPurgeConfig) (Policy, error) {
			return NewMaxAgePolicy(cfg.MaxAge())
		},
	}
)

// RegisterPolicy makes a custom policy available to NewPolicy. A later
// registration under the same name replaces the earlier one.
func RegisterPolicy(name string, f Factory) {
	policiesMu.Lock()
	defer policiesMu.Unlock()
	policies[name] = f
}

// Policies returns the registered policy names in order.
func Policies() []string {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	return slices.Sorted(maps.Keys(policies))
}

// NewPolicy instantiates the policy named by cfg.
func NewPolicy(cfg *config.AutoPurgeConfig) (Policy, error) {
	if cfg == nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "auto purge configuration is required")
	}

	policiesMu.RLock()
	f, ok := policies[cfg.Policy]
	policiesMu.RUnlock()

	if !ok {
		return nil, errors.NewValidation("auto_purge.policy", "unknown policy "+cfg.Policy)
	}
	return f(cfg)
}

// =============================================================================
// Max-age policy
// =============================================================================

// MaxAgePolicy deletes, per record store, the records older than the
// store's latest record minus MaxRecordAge, and the description history
// of the same window. Nested producer stores are trimmed too.
type MaxAgePolicy struct {
	MaxRecordAge time.Duration
}

// NewMaxAgePolicy returns a max-age policy.
func NewMaxAgePolicy(maxAge time.Duration) (*MaxAgePolicy, error) {
	if maxAge <= 0 {
		return nil, errors.NewValidation("auto_purge.max_record_age", "must be positive")
	}
	return &MaxAgePolicy{MaxRecordAge: maxAge}, nil
}

// Name returns MaxAgeName.
func (p *MaxAgePolicy) Name() string { return MaxAgeName }

// Trim deletes the obsolete records and commits once.
func (p *MaxAgePolicy) Trim(ctx context.Context, s storage.Storage, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := p.walk(ctx, s, logger, false)
	if err != nil {
		return res.records, err
	}

	if err := s.Commit(ctx); err != nil {
		return res.records, errors.Wrap(err, "commit purge")
	}

	if res.records > 0 || res.descriptions > 0 {
		logger.Info("purged obsolete data",
			"policy", p.Name(),
			"max_age", p.MaxRecordAge,
			"records", res.records,
			"descriptions", res.descriptions)
	}
	return res.records, nil
}

// Plan counts the records Trim would delete.
func (p *MaxAgePolicy) Plan(ctx context.Context, s storage.Storage) (int, error) {
	res, err := p.walk(ctx, s, slog.Default(), true)
	return res.records, err
}

type trimResult struct {
	records      int
	descriptions int
}

func (p *MaxAgePolicy) walk(ctx context.Context, s storage.Storage, logger *slog.Logger, dryRun bool) (trimResult, error) {
	var res trimResult

	stores, err := s.RecordStores(ctx)
	if err != nil {
		return res, errors.Wrap(err, "list record stores")
	}

	maxAge := p.MaxRecordAge.Seconds()

	for _, name := range storage.SortedStoreNames(stores) {
		tr, ok, err := s.RecordsTimeRange(ctx, name)
		if err != nil {
			return res, errors.Wrapf(err, "time range of %s", name)
		}
		if !ok {
			continue
		}

		cutoff := tr.End - maxAge
		if tr.Begin >= cutoff {
			continue
		}

		filter := storage.DataFilter{
			Stores:    []string{name},
			TimeRange: &storage.TimeRange{Begin: tr.Begin, End: cutoff},
		}

		if dryRun {
			it, err := s.Records(ctx, filter)
			if err != nil {
				return res, errors.Wrapf(err, "count obsolete records of %s", name)
			}
			res.records += iterutil.Count(it)
			continue
		}

		n, err := s.RemoveRecords(ctx, filter)
		if err != nil {
			return res, errors.Wrapf(err, "remove obsolete records of %s", name)
		}
		res.records += n

		d, err := s.RemoveDescriptionHistory(ctx, tr.Begin, cutoff)
		if err != nil {
			return res, errors.Wrapf(err, "remove description history of %s", name)
		}
		res.descriptions += d

		logger.Debug("trimmed record store",
			"store", name,
			"begin", tr.Begin,
			"cutoff", cutoff,
			"records", n)
	}

	ms, ok := s.(storage.MultiSourceStorage)
	if !ok {
		return res, nil
	}

	ids, err := ms.ProducerIDs(ctx)
	if err != nil {
		return res, errors.Wrap(err, "list producer stores")
	}
	for _, uid := range ids {
		sub, err := ms.DataStore(ctx, uid)
		if err != nil {
			return res, errors.Wrapf(err, "open store of %s", uid)
		}
		subRes, err := p.walk(ctx, sub, logger.With("producer", uid), dryRun)
		res.records += subRes.records
		res.descriptions += subRes.descriptions
		if err != nil {
			return res, err
		}
	}

	return res, nil
}
