package model

import "time"

// Producer is an entity generating time-stamped records through named outputs.
type Producer interface {
	// UID is the globally unique identifier of the producer.
	UID() string

	// IsEnabled reports whether the producer is currently producing.
	IsEnabled() bool

	// CurrentDescription returns the latest description document.
	CurrentDescription() *Description

	// LastDescriptionUpdate returns when the description last changed.
	// The zero time means it was never updated after creation.
	LastDescriptionUpdate() time.Time

	// Outputs returns the producer outputs in declaration order.
	Outputs() []Output

	// CurrentFoi returns the feature of interest currently observed, or nil.
	CurrentFoi() *Feature
}

// MultiSourceProducer is a producer made of nested member producers.
type MultiSourceProducer interface {
	Producer

	// Members returns the nested producers keyed by UID.
	Members() map[string]Producer
}

// Output is a named, schema-typed stream belonging to one producer.
type Output interface {
	Name() string
	Schema() Schema
	RecommendedEncoding() Encoding

	// LatestRecord returns the last record delivered on this output and the
	// time it was delivered. ok is false when nothing was produced yet.
	LatestRecord() (rec Record, at time.Time, ok bool)
}

// SelectOutputs returns the outputs of p whose name is not in excluded.
func SelectOutputs(p Producer, excluded []string) []Output {
	outputs := p.Outputs()
	if len(excluded) == 0 {
		return outputs
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		skip[name] = struct{}{}
	}

	selected := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		if _, ok := skip[o.Name()]; !ok {
			selected = append(selected, o)
		}
	}
	return selected
}

// FindMember searches the member tree of p for uid.
func FindMember(p Producer, uid string) (Producer, bool) {
	group, ok := p.(MultiSourceProducer)
	if !ok {
		return nil, false
	}

	members := group.Members()
	if m, ok := members[uid]; ok {
		return m, true
	}
	for _, m := range members {
		if found, ok := FindMember(m, uid); ok {
			return found, true
		}
	}
	return nil, false
}
