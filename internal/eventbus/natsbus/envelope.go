package natsbus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage/codec"
)

// envelope is the wire form of an event. Records are codec encoded.
type envelope struct {
	Kind     string         `json:"kind"`
	Source   string         `json:"source"`
	Producer string         `json:"producer"`
	Output   string         `json:"output,omitempty"`
	FoiUID   string         `json:"foi_uid,omitempty"`
	Foi      *model.Feature `json:"foi,omitempty"`
	Records  [][]byte       `json:"records,omitempty"`
	At       time.Time      `json:"at"`
}

func marshal(ev eventbus.Event) ([]byte, error) {
	env := envelope{
		Kind:   ev.Kind().String(),
		Source: ev.SourceID(),
		At:     ev.Time(),
	}

	switch e := ev.(type) {
	case *eventbus.DataEvent:
		env.Producer = e.ProducerUID
		env.Output = e.Output
		env.Records = make([][]byte, len(e.Records))
		for i, rec := range e.Records {
			data, err := codec.Encode(rec)
			if err != nil {
				return nil, errors.Wrapf(err, "encode record %d", i)
			}
			env.Records[i] = data
		}
	case *eventbus.FoiEvent:
		env.Producer = e.ProducerUID
		env.FoiUID = e.FoiUID
		env.Foi = e.Foi
	case *eventbus.DescriptionChangedEvent:
		env.Producer = e.ProducerUID
	case *eventbus.LifecycleEvent:
		env.Producer = e.ProducerUID
	}

	return json.Marshal(env)
}

func unmarshal(data []byte) (eventbus.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(errors.ErrCorrupt, "decode envelope: %v", err)
	}

	kind, ok := eventbus.ParseKind(env.Kind)
	if !ok {
		return nil, errors.Wrapf(errors.ErrCorrupt, "unknown event kind %q", env.Kind)
	}

	switch kind {
	case eventbus.KindData:
		records := make([]model.Record, len(env.Records))
		for i, raw := range env.Records {
			rec, err := codec.Decode(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d", i)
			}
			records[i] = rec
		}
		return &eventbus.DataEvent{
			ProducerUID: env.Producer,
			Output:      env.Output,
			Records:     records,
			At:          env.At,
		}, nil
	case eventbus.KindFoiChanged:
		return &eventbus.FoiEvent{
			ProducerUID: env.Producer,
			FoiUID:      env.FoiUID,
			Foi:         env.Foi,
			At:          env.At,
		}, nil
	case eventbus.KindDescriptionChanged:
		return &eventbus.DescriptionChangedEvent{ProducerUID: env.Producer, At: env.At}, nil
	default:
		return &eventbus.LifecycleEvent{
			Type:        kind,
			Source:      env.Source,
			ProducerUID: env.Producer,
			At:          env.At,
		}, nil
	}
}

// tokenEscaper keeps UIDs inside one subject token.
var tokenEscaper = strings.NewReplacer(
	"_", "_5F",
	".", "_2E",
	"*", "_2A",
	">", "_3E",
	" ", "_20",
	"\t", "_09",
)

// subject returns the subject of ev: <prefix>.<kind>.<source>.
func subject(prefix string, ev eventbus.Event) string {
	return prefix + "." + ev.Kind().String() + "." + tokenEscaper.Replace(ev.SourceID())
}
