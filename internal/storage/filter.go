package storage

import (
	"slices"

	"github.com/xtxerr/obshub/internal/model"
)

// DataFilter selects records. Empty fields match everything.
type DataFilter struct {
	Stores       []string
	ProducerUIDs []string
	FoiUIDs      []string

	// TimeRange is half-open: Begin <= t < End.
	TimeRange *TimeRange

	// Limit caps the number of records returned; zero means no limit.
	Limit int
}

// Accept reports whether k is selected.
func (f DataFilter) Accept(k model.Key) bool {
	if len(f.Stores) > 0 && !slices.Contains(f.Stores, k.Output) {
		return false
	}
	if len(f.ProducerUIDs) > 0 && !slices.Contains(f.ProducerUIDs, k.ProducerUID) {
		return false
	}
	if len(f.FoiUIDs) > 0 && !slices.Contains(f.FoiUIDs, k.FoiUID) {
		return false
	}
	if f.TimeRange != nil && (k.Timestamp < f.TimeRange.Begin || k.Timestamp >= f.TimeRange.End) {
		return false
	}
	return true
}

// FoiFilter selects features of interest by identifier and location.
// Empty fields match everything.
type FoiFilter struct {
	UIDs   []string
	Region *model.BBox
}

// Accept reports whether foi is selected. A feature without location
// never matches a region filter.
func (f FoiFilter) Accept(foi *model.Feature) bool {
	if foi == nil {
		return false
	}
	if len(f.UIDs) > 0 && !slices.Contains(f.UIDs, foi.UID) {
		return false
	}
	if f.Region != nil {
		if foi.Location == nil || !f.Region.Intersects(*foi.Location) {
			return false
		}
	}
	return true
}
