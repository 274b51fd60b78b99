// Package metrics exposes Prometheus collectors for the ingestion engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "obshub"

// Metrics holds the collectors of one storage module. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	recordsStored  *prometheus.CounterVec // storage, output
	recordsFailed  *prometheus.CounterVec // storage, output
	commits        *prometheus.CounterVec // storage
	eventsDropped  *prometheus.CounterVec // storage, reason
	dispatchErrors *prometheus.CounterVec // storage
	recordsPurged  *prometheus.CounterVec // storage
	producers      *prometheus.GaugeVec   // storage
	commitDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// A nil reg disables metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		recordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "records_stored_total",
			Help:      "Records written to a record store",
		}, []string{"storage", "output"}),

		recordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "records_failed_total",
			Help:      "Records that could not be stored",
		}, []string{"storage", "output"}),

		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "commits_total",
			Help:      "Storage commits",
		}, []string{"storage"}),

		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_dropped_total",
			Help:      "Events ignored by the ingestion engine",
		}, []string{"storage", "reason"}),

		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "dispatch_errors_total",
			Help:      "Errors raised while handling events",
		}, []string{"storage"}),

		recordsPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "records_purged_total",
			Help:      "Records removed by auto-purge",
		}, []string{"storage"}),

		producers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "connected_producers",
			Help:      "Producers currently connected",
		}, []string{"storage"}),

		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "commit_duration_seconds",
			Help:      "Storage commit duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"storage"}),
	}

	for _, c := range []prometheus.Collector{
		m.recordsStored, m.recordsFailed, m.commits, m.eventsDropped,
		m.dispatchErrors, m.recordsPurged, m.producers, m.commitDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Storage returns a recorder bound to one storage module.
func (m *Metrics) Storage(name string) *Recorder {
	return &Recorder{m: m, storage: name}
}

// Recorder records metrics for one storage module. A nil Metrics makes
// every method a no-op.
type Recorder struct {
	m       *Metrics
	storage string
}

// RecordsStored adds n stored records for output.
func (r *Recorder) RecordsStored(output string, n int) {
	if r == nil || r.m == nil {
		return
	}
	r.m.recordsStored.WithLabelValues(r.storage, output).Add(float64(n))
}

// RecordFailed counts one record that could not be stored.
func (r *Recorder) RecordFailed(output string) {
	if r == nil || r.m == nil {
		return
	}
	r.m.recordsFailed.WithLabelValues(r.storage, output).Inc()
}

// Commit observes one commit and its duration.
func (r *Recorder) Commit(d time.Duration) {
	if r == nil || r.m == nil {
		return
	}
	r.m.commits.WithLabelValues(r.storage).Inc()
	r.m.commitDuration.WithLabelValues(r.storage).Observe(d.Seconds())
}

// EventDropped counts an ignored event.
func (r *Recorder) EventDropped(reason string) {
	if r == nil || r.m == nil {
		return
	}
	r.m.eventsDropped.WithLabelValues(r.storage, reason).Inc()
}

// DispatchError counts a failure while handling an event.
func (r *Recorder) DispatchError() {
	if r == nil || r.m == nil {
		return
	}
	r.m.dispatchErrors.WithLabelValues(r.storage).Inc()
}

// RecordsPurged adds n records removed by auto-purge.
func (r *Recorder) RecordsPurged(n int) {
	if r == nil || r.m == nil || n <= 0 {
		return
	}
	r.m.recordsPurged.WithLabelValues(r.storage).Add(float64(n))
}

// ProducerConnected increments the connected producer gauge.
func (r *Recorder) ProducerConnected() {
	if r == nil || r.m == nil {
		return
	}
	r.m.producers.WithLabelValues(r.storage).Inc()
}

// ProducerDisconnected decrements the connected producer gauge.
func (r *Recorder) ProducerDisconnected() {
	if r == nil || r.m == nil {
		return
	}
	r.m.producers.WithLabelValues(r.storage).Dec()
}
