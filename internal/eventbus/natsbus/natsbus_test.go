package natsbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/model"
)

func TestEnvelope(t *testing.T) {
	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	ts := time.Date(2026, 1, 15, 10, 29, 0, 0, time.UTC)

	events := []eventbus.Event{
		&eventbus.DataEvent{
			ProducerUID: "sensor:1",
			Output:      "temp",
			Records:     []model.Record{{ts, 21.5, "ok"}},
			At:          at,
		},
		&eventbus.FoiEvent{ProducerUID: "sensor:1", FoiUID: "foi:1", Foi: &model.Feature{UID: "foi:1", Location: model.Point(1, 2)}, At: at},
		&eventbus.LifecycleEvent{Type: eventbus.KindProducerEnabled, Source: "urn:obshub:registry", ProducerUID: "sensor:1", At: at},
	}

	for _, ev := range events {
		t.Run(ev.Kind().String(), func(t *testing.T) {
			data, err := marshal(ev)
			require.NoError(t, err)

			got, err := unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, ev.Kind(), got.Kind())
			assert.Equal(t, ev.SourceID(), got.SourceID())
			assert.True(t, ev.Time().Equal(got.Time()))
		})
	}

	data, _ := marshal(events[0])
	got, _ := unmarshal(data)
	de := got.(*eventbus.DataEvent)
	require.Len(t, de.Records, 1)
	assert.True(t, ts.Equal(de.Records[0][0].(time.Time)))
	assert.Equal(t, 21.5, de.Records[0][1])
}

func TestUnmarshalCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"unknown kind", `{"kind":"bogus"}`},
		{"bad record", `{"kind":"data","records":["AAEC"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unmarshal([]byte(tt.data))
			assert.ErrorIs(t, err, errors.ErrCorrupt)
		})
	}
}

func TestSubject(t *testing.T) {
	ev := &eventbus.DataEvent{ProducerUID: "weather.station_1 *"}
	assert.Equal(t, "obshub.data.weather_2Estation_5F1_20_2A", subject("obshub", ev))

	lc := &eventbus.LifecycleEvent{Type: eventbus.KindProducerAdded, Source: "urn:obshub:registry"}
	assert.Equal(t, "obshub.added.urn:obshub:registry", subject("obshub", lc))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.URL = ""
	cfg.SubjectPrefix = ""
	err := cfg.Validate()
	assert.ErrorIs(t, err, errors.ErrMissingField)

	_, err = Connect(cfg)
	assert.ErrorIs(t, err, errors.ErrMissingField)
}

func TestConnectUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"

	_, err := Connect(cfg)
	assert.Error(t, err)
}
