package producer

import (
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/obshub/internal/model"
)

// Output is a named data stream of a producer. It caches the latest
// record it delivered.
type Output struct {
	name     string
	schema   model.Schema
	encoding model.Encoding

	mu       sync.RWMutex
	latest   model.Record
	latestAt time.Time
}

// NewOutput creates an output.
func NewOutput(name string, schema model.Schema, enc model.Encoding) *Output {
	return &Output{name: name, schema: schema, encoding: enc}
}

func (o *Output) Name() string                        { return o.name }
func (o *Output) Schema() model.Schema                { return o.schema }
func (o *Output) RecommendedEncoding() model.Encoding { return o.encoding }

// LatestRecord returns the last record delivered and when.
func (o *Output) LatestRecord() (model.Record, time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.latest == nil {
		return nil, time.Time{}, false
	}
	return slices.Clone(o.latest), o.latestAt, true
}

func (o *Output) setLatest(rec model.Record, at time.Time) {
	o.mu.Lock()
	o.latest = slices.Clone(rec)
	o.latestAt = at
	o.mu.Unlock()
}
