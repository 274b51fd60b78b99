package model

import "math"

// Feature is the real-world entity observations pertain to.
type Feature struct {
	UID         string `json:"uid" yaml:"uid"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Location    *BBox  `json:"location,omitempty" yaml:"location,omitempty"`
}

// BBox is an axis-aligned bounding box in lon/lat order. A point is a box
// with equal corners.
type BBox struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// Point returns the degenerate box at (x, y).
func Point(x, y float64) *BBox {
	return &BBox{MinX: x, MinY: y, MaxX: x, MaxY: y}
}

// EmptyBBox returns a box that any Extend call replaces.
func EmptyBBox() BBox {
	return BBox{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
}

// IsEmpty reports whether the box contains nothing.
func (b BBox) IsEmpty() bool {
	return b.MinX > b.MaxX || b.MinY > b.MaxY
}

// Intersects reports whether b and o share at least one point.
func (b BBox) Intersects(o BBox) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return false
	}
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Extend grows b to include o.
func (b *BBox) Extend(o BBox) {
	if o.IsEmpty() {
		return
	}
	b.MinX = math.Min(b.MinX, o.MinX)
	b.MinY = math.Min(b.MinY, o.MinY)
	b.MaxX = math.Max(b.MaxX, o.MaxX)
	b.MaxY = math.Max(b.MaxY, o.MaxY)
}
