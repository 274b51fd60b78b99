package model

import "maps"

// Description is a versioned metadata document describing a producer.
type Description struct {
	UID        string            `json:"uid" yaml:"uid"`
	Name       string            `json:"name" yaml:"name"`
	ValidTime  float64           `json:"valid_time" yaml:"valid_time"` // epoch seconds
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Equal reports whether d and o carry the same content and validity.
func (d *Description) Equal(o *Description) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.UID == o.UID &&
		d.Name == o.Name &&
		d.ValidTime == o.ValidTime &&
		maps.Equal(d.Properties, o.Properties)
}

// Clone returns a deep copy.
func (d *Description) Clone() *Description {
	if d == nil {
		return nil
	}
	c := *d
	c.Properties = maps.Clone(d.Properties)
	return &c
}
