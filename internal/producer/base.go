// Package producer implements data producers publishing on an event bus.
//
// Base is a generic producer driven by its owner: the owner declares
// outputs and pushes records, FOI changes and description updates. Group
// is a Base with nested member producers.
package producer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/model"
)

// Base is a producer whose data is pushed by its owner.
//
// Base is safe for concurrent use.
type Base struct {
	uid   string
	bus   eventbus.Bus
	state *State
	now   func() time.Time

	mu          sync.RWMutex
	description *model.Description
	descUpdated time.Time
	outputs     []*Output
	foi         *model.Feature
}

// Option configures a Base.
type Option func(*Base)

// WithDescription sets the initial description.
func WithDescription(d *model.Description) Option {
	return func(b *Base) { b.description = d.Clone() }
}

// WithEnabled sets the initial enabled flag. Producers start enabled.
func WithEnabled(enabled bool) Option {
	return func(b *Base) { b.state = NewState(enabled) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Base) { b.now = now }
}

// New creates a producer publishing on bus.
func New(uid string, bus eventbus.Bus, opts ...Option) *Base {
	b := &Base{
		uid:   uid,
		bus:   bus,
		state: NewState(true),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.description == nil {
		b.description = &model.Description{UID: uid, Name: uid}
	}
	return b
}

func (b *Base) UID() string { return b.uid }

// State returns the runtime state.
func (b *Base) State() *State { return b.state }

func (b *Base) IsEnabled() bool { return b.state.Enabled() }

// SetEnabled enables or disables the producer.
func (b *Base) SetEnabled(enabled bool) { b.state.SetEnabled(enabled) }

// CurrentDescription returns a copy of the current description.
func (b *Base) CurrentDescription() *model.Description {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.description.Clone()
}

// LastDescriptionUpdate returns when UpdateDescription last ran. Zero
// means never.
func (b *Base) LastDescriptionUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.descUpdated
}

// Outputs returns the outputs in declaration order.
func (b *Base) Outputs() []model.Output {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Output, len(b.outputs))
	for i, o := range b.outputs {
		out[i] = o
	}
	return out
}

// CurrentFoi returns the current feature of interest or nil.
func (b *Base) CurrentFoi() *model.Feature {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.foi
}

// AddOutput declares an output.
func (b *Base) AddOutput(name string, schema model.Schema, enc model.Encoding) (*Output, error) {
	if name == "" {
		return nil, errors.NewMissingField("output name")
	}
	if len(schema.Fields) == 0 {
		return nil, errors.NewValidation("output "+name, "schema has no fields")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if slices.ContainsFunc(b.outputs, func(o *Output) bool { return o.name == name }) {
		return nil, errors.NewAlreadyExists("output", name)
	}
	o := NewOutput(name, schema, enc)
	b.outputs = append(b.outputs, o)
	return o, nil
}

// Output returns the output name.
func (b *Base) Output(name string) (*Output, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := slices.IndexFunc(b.outputs, func(o *Output) bool { return o.name == name })
	if i < 0 {
		return nil, false
	}
	return b.outputs[i], true
}

// Publish caches the last of records as the output's latest record and
// publishes them as one data event.
func (b *Base) Publish(ctx context.Context, output string, records ...model.Record) error {
	if len(records) == 0 {
		return nil
	}

	o, ok := b.Output(output)
	if !ok {
		return errors.NewNotFound("output", output)
	}

	for i, rec := range records {
		if err := o.schema.Validate(rec); err != nil {
			return errors.Wrapf(err, "output %s record %d", output, i)
		}
	}

	now := b.now()
	o.setLatest(records[len(records)-1], now)

	return b.publish(ctx, &eventbus.DataEvent{
		ProducerUID: b.uid,
		Output:      output,
		Records:     records,
		At:          now,
	})
}

// SetFoi makes foi the current feature of interest and publishes the
// change.
func (b *Base) SetFoi(ctx context.Context, foi *model.Feature) error {
	if foi == nil || foi.UID == "" {
		return errors.NewMissingField("foi uid")
	}

	b.mu.Lock()
	b.foi = foi
	b.mu.Unlock()

	return b.publish(ctx, &eventbus.FoiEvent{
		ProducerUID: b.uid,
		FoiUID:      foi.UID,
		Foi:         foi,
		At:          b.now(),
	})
}

// UpdateDescription replaces the description and publishes the change.
func (b *Base) UpdateDescription(ctx context.Context, d *model.Description) error {
	if d == nil {
		return errors.NewMissingField("description")
	}

	now := b.now()
	b.mu.Lock()
	b.description = d.Clone()
	b.descUpdated = now
	b.mu.Unlock()

	return b.publish(ctx, &eventbus.DescriptionChangedEvent{
		ProducerUID: b.uid,
		At:          now,
	})
}

func (b *Base) publish(ctx context.Context, ev eventbus.Event) error {
	if b.bus == nil {
		return nil
	}
	if err := b.bus.Publish(ctx, ev); err != nil {
		return errors.Wrapf(errors.Join(errors.ErrDispatch, err), "producer %s", b.uid)
	}
	return nil
}
