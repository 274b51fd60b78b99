// Package eventbus carries producer events between the producer subsystem
// and its consumers.
//
// Events form a closed set: DataEvent, FoiEvent, DescriptionChangedEvent
// and LifecycleEvent. Consumers dispatch on the concrete type.
package eventbus

import (
	"time"

	"github.com/xtxerr/obshub/internal/model"
)

// Kind identifies an event type for subscription selection.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindFoiChanged
	KindDescriptionChanged
	KindProducerAdded
	KindProducerRemoved
	KindProducerEnabled
	KindProducerDisabled
)

var kindNames = map[Kind]string{
	KindData:               "data",
	KindFoiChanged:         "foi_changed",
	KindDescriptionChanged: "description_changed",
	KindProducerAdded:      "added",
	KindProducerRemoved:    "removed",
	KindProducerEnabled:    "enabled",
	KindProducerDisabled:   "disabled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// IsLifecycle reports whether k is a registry lifecycle kind.
func (k Kind) IsLifecycle() bool {
	return k >= KindProducerAdded && k <= KindProducerDisabled
}

// LifecycleKinds lists every registry lifecycle kind.
var LifecycleKinds = []Kind{KindProducerAdded, KindProducerRemoved, KindProducerEnabled, KindProducerDisabled}

// Event is implemented only by the event types of this package.
type Event interface {
	Kind() Kind

	// SourceID is the UID of the emitting entity: the producer for data,
	// FOI and description events, the registry for lifecycle events.
	SourceID() string

	// Time is when the event was emitted.
	Time() time.Time

	sealed()
}

// DataEvent carries a batch of records from one producer output.
type DataEvent struct {
	ProducerUID string
	Output      string
	Records     []model.Record
	At          time.Time
}

func (e *DataEvent) Kind() Kind       { return KindData }
func (e *DataEvent) SourceID() string { return e.ProducerUID }
func (e *DataEvent) Time() time.Time  { return e.At }
func (*DataEvent) sealed()            {}

// FoiEvent announces a new feature of interest. Foi may be nil when only
// the identifier is known.
type FoiEvent struct {
	ProducerUID string
	FoiUID      string
	Foi         *model.Feature
	At          time.Time
}

func (e *FoiEvent) Kind() Kind       { return KindFoiChanged }
func (e *FoiEvent) SourceID() string { return e.ProducerUID }
func (e *FoiEvent) Time() time.Time  { return e.At }
func (*FoiEvent) sealed()            {}

// DescriptionChangedEvent signals that a producer updated its description.
type DescriptionChangedEvent struct {
	ProducerUID string
	At          time.Time
}

func (e *DescriptionChangedEvent) Kind() Kind       { return KindDescriptionChanged }
func (e *DescriptionChangedEvent) SourceID() string { return e.ProducerUID }
func (e *DescriptionChangedEvent) Time() time.Time  { return e.At }
func (*DescriptionChangedEvent) sealed()            {}

// LifecycleEvent reports a registry change for one producer.
type LifecycleEvent struct {
	Type        Kind
	Source      string
	ProducerUID string
	At          time.Time
}

func (e *LifecycleEvent) Kind() Kind       { return e.Type }
func (e *LifecycleEvent) SourceID() string { return e.Source }
func (e *LifecycleEvent) Time() time.Time  { return e.At }
func (*LifecycleEvent) sealed()            {}
