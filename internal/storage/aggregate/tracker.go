package aggregate

import (
	"cmp"
	"slices"
	"sync"
)

// Tracker keeps one StreamingAggregate per producer output.
type Tracker struct {
	mu         sync.RWMutex
	accuracy   float64
	aggregates map[string]*StreamingAggregate
	removed    int64
}

// NewTracker creates a tracker. accuracy is passed to every aggregate.
func NewTracker(accuracy float64) *Tracker {
	return &Tracker{
		accuracy:   accuracy,
		aggregates: make(map[string]*StreamingAggregate),
	}
}

// Observe adds one record of producer/output.
func (t *Tracker) Observe(producer, output string, ts, arrival float64) {
	k := key(producer, output)

	t.mu.RLock()
	agg, ok := t.aggregates[k]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if agg, ok = t.aggregates[k]; !ok {
			agg = New(producer, output, t.accuracy)
			t.aggregates[k] = agg
		}
		t.mu.Unlock()
	}

	agg.Add(ts, arrival)
}

// Get returns the statistics of producer/output.
func (t *Tracker) Get(producer, output string) (Result, bool) {
	t.mu.RLock()
	agg, ok := t.aggregates[key(producer, output)]
	t.mu.RUnlock()

	if !ok {
		return Result{}, false
	}
	return agg.Result(), true
}

// Snapshot returns the statistics of every output, ordered by producer
// and output.
func (t *Tracker) Snapshot() []Result {
	t.mu.RLock()
	aggs := make([]*StreamingAggregate, 0, len(t.aggregates))
	for _, agg := range t.aggregates {
		aggs = append(aggs, agg)
	}
	t.mu.RUnlock()

	results := make([]Result, len(aggs))
	for i, agg := range aggs {
		results[i] = agg.Result()
	}
	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(a.Producer, b.Producer); c != 0 {
			return c
		}
		return cmp.Compare(a.Output, b.Output)
	})
	return results
}

// Forget drops the statistics of producer.
func (t *Tracker) Forget(producer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, agg := range t.aggregates {
		if agg.producer == producer {
			delete(t.aggregates, k)
			t.removed++
		}
	}
}

// TrackerStats holds tracker statistics.
type TrackerStats struct {
	ActiveOutputs int
	Removed       int64
}

// Stats returns tracker statistics.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TrackerStats{ActiveOutputs: len(t.aggregates), Removed: t.removed}
}
