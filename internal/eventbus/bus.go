package eventbus

import (
	"context"
	"math"
	"slices"
)

// Unbounded requests every future event.
const Unbounded = math.MaxInt64

// Handler consumes events of one subscription. Calls for one subscription
// never overlap.
type Handler func(ctx context.Context, ev Event)

// Subscription is a live flow of events.
type Subscription interface {
	ID() string

	// Request grants n more deliveries. Events beyond the granted credit
	// are queued until more is requested.
	Request(n int64)

	// Cancel stops delivery. It is idempotent and may be called from
	// within the subscription's own handler.
	Cancel()
}

// Bus delivers events to subscribers.
type Bus interface {
	// Subscribe registers h for events matching sel. The subscription has
	// no credit until Request is called. ctx bounds the registration only.
	Subscribe(ctx context.Context, sel Selector, h Handler) (Subscription, error)

	Publish(ctx context.Context, ev Event) error

	Close() error
}

// Selector picks events by source, kind and output. Empty fields match
// everything.
type Selector struct {
	Sources []string
	Kinds   []Kind

	// Outputs restricts data events to the named outputs.
	Outputs []string
}

// Matches reports whether ev is selected.
func (s Selector) Matches(ev Event) bool {
	if len(s.Sources) > 0 && !slices.Contains(s.Sources, ev.SourceID()) {
		return false
	}
	if len(s.Kinds) > 0 && !slices.Contains(s.Kinds, ev.Kind()) {
		return false
	}
	if de, ok := ev.(*DataEvent); ok && len(s.Outputs) > 0 {
		return slices.Contains(s.Outputs, de.Output)
	}
	return true
}
