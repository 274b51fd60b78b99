package model

import (
	"testing"
	"time"
)

func TestSchemaTimeFieldIndex(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		want   int
	}{
		{"no fields", nil, -1},
		{"no time", []Field{{Name: "temp", Type: FieldQuantity}}, -1},
		{"time type", []Field{{Name: "v", Type: FieldQuantity}, {Name: "t", Type: FieldTime}}, 1},
		{
			"sampling time wins over earlier time type",
			[]Field{
				{Name: "received", Type: FieldTime},
				{Name: "sampled", Type: FieldTime, Definition: DefSamplingTime},
			},
			1,
		},
		{"phenomenon time", []Field{{Name: "pt", Type: FieldQuantity, Definition: DefPhenomenonTime}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Schema{Name: "s", Fields: tt.fields}
			if got := s.TimeFieldIndex(); got != tt.want {
				t.Errorf("TimeFieldIndex() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTimeIndexer(t *testing.T) {
	s := Schema{Name: "temp", Fields: []Field{
		{Name: "time", Type: FieldTime, Definition: DefSamplingTime},
		{Name: "value", Type: FieldQuantity, UOM: "Cel"},
	}}

	ix := NewTimeIndexer(s)
	if ix == nil {
		t.Fatal("expected indexer")
	}

	got, err := ix.Seconds(Record{1000.0, 21.5})
	if err != nil || got != 1000.0 {
		t.Errorf("Seconds(float) = %v, %v", got, err)
	}

	ts := time.Unix(1500, 500_000_000)
	got, err = ix.Seconds(Record{ts, 21.5})
	if err != nil || got != 1500.5 {
		t.Errorf("Seconds(time) = %v, %v", got, err)
	}

	if _, err := ix.Seconds(Record{"noon", 1.0}); err == nil {
		t.Error("expected error for string time value")
	}

	if NewTimeIndexer(Schema{Fields: []Field{{Name: "v", Type: FieldQuantity}}}) != nil {
		t.Error("expected nil indexer without time field")
	}
}

func TestTimeIndexer_NumericKinds(t *testing.T) {
	ix := &TimeIndexer{index: 0}

	tests := []struct {
		name  string
		value any
		want  float64
	}{
		{"int", int(100), 100},
		{"int8", int8(8), 8},
		{"int16", int16(16), 16},
		{"int32", int32(32), 32},
		{"int64", int64(64), 64},
		{"uint", uint(100), 100},
		{"uint8", uint8(8), 8},
		{"uint16", uint16(16), 16},
		{"uint32", uint32(32), 32},
		{"uint64", uint64(64), 64},
		{"float32", float32(2.5), 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ix.Seconds(Record{tt.value})
			if err != nil {
				t.Fatalf("Seconds(%T) error: %v", tt.value, err)
			}
			if got != tt.want {
				t.Errorf("Seconds(%T) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	if _, err := ix.Seconds(Record{}); err == nil {
		t.Error("expected error for short record")
	}
}

func TestBBox(t *testing.T) {
	a := BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}

	if !a.Intersects(*Point(5, 5)) {
		t.Error("point inside should intersect")
	}
	if !a.Intersects(BBox{MinX: 10, MinY: 10, MaxX: 20, MaxY: 20}) {
		t.Error("touching corners should intersect")
	}
	if a.Intersects(BBox{MinX: 11, MinY: 0, MaxX: 20, MaxY: 10}) {
		t.Error("disjoint boxes should not intersect")
	}

	ext := EmptyBBox()
	if !ext.IsEmpty() || ext.Intersects(a) {
		t.Error("empty box should not intersect")
	}
	ext.Extend(*Point(1, 2))
	ext.Extend(*Point(-3, 4))
	want := BBox{MinX: -3, MinY: 2, MaxX: 1, MaxY: 4}
	if ext != want {
		t.Errorf("Extend = %+v, want %+v", ext, want)
	}
}

func TestDescriptionEqual(t *testing.T) {
	d := &Description{UID: "sensor:1", Name: "Thermo", ValidTime: 10, Properties: map[string]string{"site": "roof"}}

	if !d.Equal(d.Clone()) {
		t.Error("clone should be equal")
	}

	changed := d.Clone()
	changed.Properties["site"] = "basement"
	if d.Equal(changed) {
		t.Error("property change should not be equal")
	}
	if d.Properties["site"] != "roof" {
		t.Error("clone shares properties map")
	}

	var nilDesc *Description
	if !nilDesc.Equal(nil) || d.Equal(nil) {
		t.Error("nil handling")
	}
}

type stubOutput struct{ name string }

func (o stubOutput) Name() string                            { return o.name }
func (o stubOutput) Schema() Schema                          { return Schema{Name: o.name} }
func (o stubOutput) RecommendedEncoding() Encoding           { return EncodingJSON }
func (o stubOutput) LatestRecord() (Record, time.Time, bool) { return nil, time.Time{}, false }

type stubProducer struct {
	uid     string
	outputs []Output
	members map[string]Producer
}

func (p *stubProducer) UID() string                      { return p.uid }
func (p *stubProducer) IsEnabled() bool                  { return true }
func (p *stubProducer) CurrentDescription() *Description { return &Description{UID: p.uid} }
func (p *stubProducer) LastDescriptionUpdate() time.Time { return time.Time{} }
func (p *stubProducer) Outputs() []Output                { return p.outputs }
func (p *stubProducer) CurrentFoi() *Feature             { return nil }

type stubGroup struct{ stubProducer }

func (g *stubGroup) Members() map[string]Producer { return g.members }

func TestSelectOutputs(t *testing.T) {
	p := &stubProducer{uid: "p", outputs: []Output{stubOutput{"temp"}, stubOutput{"debug"}, stubOutput{"hum"}}}

	got := SelectOutputs(p, []string{"debug"})
	if len(got) != 2 || got[0].Name() != "temp" || got[1].Name() != "hum" {
		t.Errorf("unexpected selection: %v", got)
	}
	if len(SelectOutputs(p, nil)) != 3 {
		t.Error("no exclusions should select all outputs")
	}
}

func TestFindMember(t *testing.T) {
	leaf := &stubProducer{uid: "leaf"}
	inner := &stubGroup{stubProducer{uid: "inner", members: map[string]Producer{"leaf": leaf}}}
	root := &stubGroup{stubProducer{uid: "root", members: map[string]Producer{
		"a":     &stubProducer{uid: "a"},
		"inner": inner,
	}}}

	if m, ok := FindMember(root, "leaf"); !ok || m.UID() != "leaf" {
		t.Error("nested member not found")
	}
	if _, ok := FindMember(root, "missing"); ok {
		t.Error("unexpected member")
	}
	if _, ok := FindMember(leaf, "x"); ok {
		t.Error("plain producer has no members")
	}
}
