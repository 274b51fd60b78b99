package model

import (
	"fmt"
	"time"
)

// Record is one data record: field values in schema order.
type Record []any

// Encoding is the recommended wire encoding of an output.
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingText   Encoding = "text"
	EncodingBinary Encoding = "binary"
)

// FieldType is the value type of a schema field.
type FieldType string

const (
	FieldTime     FieldType = "time"
	FieldQuantity FieldType = "quantity"
	FieldCount    FieldType = "count"
	FieldText     FieldType = "text"
	FieldBoolean  FieldType = "boolean"
)

// Well-known field definitions.
const (
	DefSamplingTime   = "http://www.opengis.net/def/property/OGC/0/SamplingTime"
	DefPhenomenonTime = "http://www.opengis.net/def/property/OGC/0/PhenomenonTime"
)

// Field describes one field of a record.
type Field struct {
	Name       string    `json:"name" yaml:"name"`
	Type       FieldType `json:"type" yaml:"type"`
	Definition string    `json:"definition,omitempty" yaml:"definition,omitempty"`
	UOM        string    `json:"uom,omitempty" yaml:"uom,omitempty"`
}

// Schema is the ordered field layout of an output's records.
type Schema struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// TimeFieldIndex returns the index of the field carrying the record time,
// or -1. Sampling/phenomenon time definitions win over a bare time type.
func (s Schema) TimeFieldIndex() int {
	for i, f := range s.Fields {
		if f.Definition == DefSamplingTime || f.Definition == DefPhenomenonTime {
			return i
		}
	}
	for i, f := range s.Fields {
		if f.Type == FieldTime {
			return i
		}
	}
	return -1
}

// Validate checks that rec matches the schema arity.
func (s Schema) Validate(rec Record) error {
	if len(rec) != len(s.Fields) {
		return fmt.Errorf("record has %d fields, schema %q has %d", len(rec), s.Name, len(s.Fields))
	}
	return nil
}

// TimeIndexer extracts the time stamp of records of one schema.
type TimeIndexer struct {
	index int
}

// NewTimeIndexer builds the indexer for s. It returns nil when the schema
// has no identifiable time field.
func NewTimeIndexer(s Schema) *TimeIndexer {
	idx := s.TimeFieldIndex()
	if idx < 0 {
		return nil
	}
	return &TimeIndexer{index: idx}
}

// Seconds returns the record time as seconds since the epoch.
func (ix *TimeIndexer) Seconds(rec Record) (float64, error) {
	if ix.index >= len(rec) {
		return 0, fmt.Errorf("record has no field %d", ix.index)
	}
	return toSeconds(rec[ix.index])
}

func toSeconds(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case time.Time:
		return TimeToSeconds(t), nil
	default:
		return 0, fmt.Errorf("unsupported time value %T", v)
	}
}

// TimeToSeconds converts t to floating point seconds since the epoch.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// SecondsToTime converts floating point epoch seconds to a time.
func SecondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
