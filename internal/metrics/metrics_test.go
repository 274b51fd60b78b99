package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	r := m.Storage("db")
	r.RecordsStored("temp", 3)
	r.RecordsStored("temp", 2)
	r.RecordFailed("temp")
	r.Commit(20 * time.Millisecond)
	r.EventDropped("excluded_output")
	r.DispatchError()
	r.RecordsPurged(7)
	r.RecordsPurged(0)
	r.ProducerConnected()
	r.ProducerConnected()
	r.ProducerDisconnected()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.recordsStored.WithLabelValues("db", "temp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsFailed.WithLabelValues("db", "temp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("db", "excluded_output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("db")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.recordsPurged.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.producers.WithLabelValues("db")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commitDuration))
}

func TestNilMetrics(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	r := m.Storage("db")
	assert.NotPanics(t, func() {
		r.RecordsStored("temp", 1)
		r.Commit(time.Second)
		r.ProducerConnected()
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.DispatchError() })
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
