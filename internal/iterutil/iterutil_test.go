package iterutil

import (
	"slices"
	"testing"

	"github.com/xtxerr/obshub/internal/errors"
)

// countingIterator records how many elements were pulled from it.
type countingIterator struct {
	Iterator[int]
	pulled int
}

func (c *countingIterator) Next() (int, error) {
	c.pulled++
	return c.Iterator.Next()
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		input  []int
		accept func(int) bool
		want   []int
	}{
		{"even", []int{1, 2, 3, 4, 5, 6}, func(v int) bool { return v%2 == 0 }, []int{2, 4, 6}},
		{"none accepted", []int{1, 3, 5}, func(v int) bool { return v%2 == 0 }, nil},
		{"empty source", nil, func(int) bool { return true }, nil},
		{"nil accepts all", []int{7, 8}, nil, []int{7, 8}},
		{"last only", []int{1, 1, 9}, func(v int) bool { return v == 9 }, []int{9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Collect(Filter(FromSlice(tt.input), tt.accept))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_Lookahead(t *testing.T) {
	src := &countingIterator{Iterator: FromSlice([]int{1, 2, 3, 4})}
	it := Filter[int](src, func(v int) bool { return v > 2 })

	// Construction pulls up to the first accepted element.
	if src.pulled != 3 {
		t.Fatalf("pulled %d on construction, want 3", src.pulled)
	}

	for i := 0; i < 5; i++ {
		if !it.HasNext() {
			t.Fatal("HasNext should be stable")
		}
	}
	if src.pulled != 3 {
		t.Fatalf("HasNext consumed the source: pulled %d", src.pulled)
	}

	v, err := it.Next()
	if err != nil || v != 3 {
		t.Fatalf("Next() = %d, %v", v, err)
	}
	if src.pulled != 4 {
		t.Fatalf("Next should prefetch: pulled %d", src.pulled)
	}
}

func TestFilter_Exhausted(t *testing.T) {
	it := Filter(FromSlice([]int{1}), func(int) bool { return true })

	if _, err := it.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if it.HasNext() {
		t.Fatal("expected exhausted iterator")
	}
	if _, err := it.Next(); !errors.Is(err, errors.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestMapAndSeq(t *testing.T) {
	it := Map(FromSlice([]int{1, 2, 3}), func(v int) string {
		return string(rune('a' + v - 1))
	})

	var got []string
	for s := range Seq(it) {
		got = append(got, s)
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("got %v", got)
	}
}

func TestSeq_EarlyBreak(t *testing.T) {
	it := FromSlice([]int{1, 2, 3})
	for v := range Seq(it) {
		if v == 2 {
			break
		}
	}
	v, err := it.Next()
	if err != nil || v != 3 {
		t.Errorf("remaining element = %d, %v", v, err)
	}
}

func TestCount(t *testing.T) {
	if n := Count(Empty[int]()); n != 0 {
		t.Errorf("Count(empty) = %d", n)
	}
	if n := Count(FromSlice([]string{"a", "b"})); n != 2 {
		t.Errorf("Count = %d", n)
	}
}
