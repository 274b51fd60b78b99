// Package aggregate keeps running ingestion statistics per producer output.
//
// For every stored record the ingestion lag, the time between the record's
// own time stamp and its arrival, is added to a streaming aggregate.
// Percentiles are estimated with DDSketch.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Result is a snapshot of one output's statistics. Lag values are seconds.
type Result struct {
	Producer string
	Output   string

	Count   int64
	LagSum  float64
	LagMin  float64
	LagMax  float64
	LagAvg  float64
	FirstTs float64 // earliest record time stamp seen
	LastTs  float64 // latest record time stamp seen

	// Percentiles (nil if disabled or empty)
	LagP50 *float64
	LagP90 *float64
	LagP99 *float64
}

// SetPercentiles sets the lag percentile values.
func (r *Result) SetPercentiles(p50, p90, p99 float64) {
	r.LagP50 = &p50
	r.LagP90 = &p90
	r.LagP99 = &p99
}

// StreamingAggregate maintains running statistics for one output.
// It supports optional percentile calculation using DDSketch.
type StreamingAggregate struct {
	mu sync.Mutex

	// Identity
	producer string
	output   string

	// Running statistics
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs float64
	lastTs  float64

	// DDSketch for percentiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates an aggregate. accuracy is the relative accuracy of the
// percentile sketch; zero disables percentiles.
func New(producer, output string, accuracy float64) *StreamingAggregate {
	agg := &StreamingAggregate{
		producer: producer,
		output:   output,
		accuracy: accuracy,
	}
	agg.reset()
	return agg
}

func (a *StreamingAggregate) reset() {
	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.firstTs = 0
	a.lastTs = 0
	a.sketch = nil

	if a.accuracy > 0 {
		if sketch, err := ddsketch.NewDefaultDDSketch(a.accuracy); err == nil {
			a.sketch = sketch
		}
	}
}

// Add records one stored record with time stamp ts that arrived at
// arrival, both in epoch seconds. Negative lags from clock skew are
// clamped to zero.
func (a *StreamingAggregate) Add(ts, arrival float64) {
	lag := max(arrival-ts, 0)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += lag
	a.min = min(a.min, lag)
	a.max = max(a.max, lag)

	if a.count == 1 || ts < a.firstTs {
		a.firstTs = ts
	}
	if ts > a.lastTs {
		a.lastTs = ts
	}

	if a.sketch != nil {
		_ = a.sketch.Add(lag)
	}
}

// Count returns the number of records added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Result returns the current statistics.
func (a *StreamingAggregate) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := Result{
		Producer: a.producer,
		Output:   a.output,
		Count:    a.count,
		LagSum:   a.sum,
		FirstTs:  a.firstTs,
		LastTs:   a.lastTs,
	}

	if a.count > 0 {
		result.LagAvg = a.sum / float64(a.count)
		result.LagMin = a.min
		result.LagMax = a.max
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.SetPercentiles(p50, p90, p99)
	}

	return result
}

// Reset clears the statistics.
func (a *StreamingAggregate) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// Merge combines other into a.
func (a *StreamingAggregate) Merge(other *StreamingAggregate) {
	if other == nil || other == a {
		return
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 || other.firstTs < a.firstTs {
		a.firstTs = other.firstTs
	}
	if other.lastTs > a.lastTs {
		a.lastTs = other.lastTs
	}

	a.count += other.count
	a.sum += other.sum
	a.min = min(a.min, other.min)
	a.max = max(a.max, other.max)

	if a.sketch != nil && other.sketch != nil {
		_ = a.sketch.MergeWith(other.sketch)
	}
}

// Key returns the unique key of the aggregate's output.
func (a *StreamingAggregate) Key() string {
	return key(a.producer, a.output)
}

func key(producer, output string) string {
	return producer + "/" + output
}
