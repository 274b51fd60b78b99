// Package iterutil provides lazy iteration over storage query results.
//
// Storage backends answer filtered queries with an Iterator so callers can
// stop early without the backend materializing every match.
package iterutil

import (
	"iter"

	"github.com/xtxerr/obshub/internal/errors"
)

// Iterator is a pull-style sequence.
type Iterator[T any] interface {
	HasNext() bool

	// Next returns the next element or errors.ErrExhausted.
	Next() (T, error)
}

// ============================================================================
// Slice source
// ============================================================================

type sliceIterator[T any] struct {
	items []T
	pos   int
}

// FromSlice iterates over items. The slice is not copied.
func FromSlice[T any](items []T) Iterator[T] {
	return &sliceIterator[T]{items: items}
}

func (it *sliceIterator[T]) HasNext() bool {
	return it.pos < len(it.items)
}

func (it *sliceIterator[T]) Next() (T, error) {
	if it.pos >= len(it.items) {
		var zero T
		return zero, errors.ErrExhausted
	}
	v := it.items[it.pos]
	it.pos++
	return v, nil
}

// Empty returns an iterator with no elements.
func Empty[T any]() Iterator[T] {
	return &sliceIterator[T]{}
}

// ============================================================================
// Filtering
// ============================================================================

type filterIterator[T any] struct {
	src    Iterator[T]
	accept func(T) bool

	next    T
	hasNext bool
}

// Filter yields the elements of src for which accept returns true. The next
// accepted element is looked up eagerly on construction and after every
// call to Next, so HasNext never consumes the source.
func Filter[T any](src Iterator[T], accept func(T) bool) Iterator[T] {
	it := &filterIterator[T]{src: src, accept: accept}
	it.advance()
	return it
}

func (it *filterIterator[T]) advance() {
	var zero T
	it.next, it.hasNext = zero, false

	for it.src.HasNext() {
		v, err := it.src.Next()
		if err != nil {
			return
		}
		if it.accept == nil || it.accept(v) {
			it.next, it.hasNext = v, true
			return
		}
	}
}

func (it *filterIterator[T]) HasNext() bool {
	return it.hasNext
}

func (it *filterIterator[T]) Next() (T, error) {
	if !it.hasNext {
		var zero T
		return zero, errors.ErrExhausted
	}
	v := it.next
	it.advance()
	return v, nil
}

// ============================================================================
// Transformation
// ============================================================================

type mapIterator[T, U any] struct {
	src Iterator[T]
	fn  func(T) U
}

// Map applies fn lazily to each element of src.
func Map[T, U any](src Iterator[T], fn func(T) U) Iterator[U] {
	return &mapIterator[T, U]{src: src, fn: fn}
}

func (it *mapIterator[T, U]) HasNext() bool {
	return it.src.HasNext()
}

func (it *mapIterator[T, U]) Next() (U, error) {
	v, err := it.src.Next()
	if err != nil {
		var zero U
		return zero, err
	}
	return it.fn(v), nil
}

// Collect drains it into a slice.
func Collect[T any](it Iterator[T]) []T {
	var out []T
	for it.HasNext() {
		v, err := it.Next()
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out
}

// Count drains it and returns the number of elements.
func Count[T any](it Iterator[T]) int {
	n := 0
	for it.HasNext() {
		if _, err := it.Next(); err != nil {
			break
		}
		n++
	}
	return n
}

// Seq adapts it for use with range.
func Seq[T any](it Iterator[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for it.HasNext() {
			v, err := it.Next()
			if err != nil || !yield(v) {
				return
			}
		}
	}
}
