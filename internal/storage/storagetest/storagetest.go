// Package storagetest provides a behavioral test suite every storage
// backend must pass.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
)

// TempSchema is the schema used by the suite: a sampling time and a value.
var TempSchema = model.Schema{
	Name: "temp",
	Fields: []model.Field{
		{Name: "time", Type: model.FieldTime, Definition: model.DefSamplingTime},
		{Name: "value", Type: model.FieldQuantity, UOM: "Cel"},
	},
}

// Opener returns a started, empty storage module. The suite stops it.
type Opener func(t *testing.T) storage.Module

// Run exercises the storage contract against modules returned by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Module)
	}{
		{"RecordStores", testRecordStores},
		{"RecordCRUD", testRecordCRUD},
		{"RecordsFilter", testRecordsFilter},
		{"TimeRange", testTimeRange},
		{"RemoveRecordsWindow", testRemoveRecordsWindow},
		{"CommitRollback", testCommitRollback},
		{"Descriptions", testDescriptions},
		{"Fois", testFois},
		{"SubStores", testSubStores},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Stop() })
			tt.fn(t, s)
		})
	}
}

func key(ts float64) model.Key {
	return model.Key{Output: "temp", ProducerUID: "sensor:1", Timestamp: ts}
}

// Fill stores one record per timestamp in a "temp" store and commits.
func Fill(t *testing.T, s storage.Storage, timestamps ...float64) {
	t.Helper()
	ctx := context.Background()

	stores, err := s.RecordStores(ctx)
	require.NoError(t, err)
	if _, ok := stores["temp"]; !ok {
		require.NoError(t, s.AddRecordStore(ctx, "temp", TempSchema, model.EncodingJSON))
	}
	for _, ts := range timestamps {
		require.NoError(t, s.StoreRecord(ctx, key(ts), model.Record{ts, 20.0}))
	}
	require.NoError(t, s.Commit(ctx))
}

func testRecordStores(t *testing.T, s storage.Module) {
	ctx := context.Background()

	require.NoError(t, s.AddRecordStore(ctx, "temp", TempSchema, model.EncodingJSON))
	require.NoError(t, s.AddRecordStore(ctx, "hum", model.Schema{Name: "hum"}, model.EncodingText))

	err := s.AddRecordStore(ctx, "temp", TempSchema, model.EncodingJSON)
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists), "duplicate store: %v", err)

	stores, err := s.RecordStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hum", "temp"}, storage.SortedStoreNames(stores))
	assert.Equal(t, TempSchema, stores["temp"].Schema)
	assert.Equal(t, model.EncodingText, stores["hum"].Encoding)
}

func testRecordCRUD(t *testing.T, s storage.Module) {
	ctx := context.Background()
	require.NoError(t, s.AddRecordStore(ctx, "temp", TempSchema, model.EncodingJSON))

	k := model.Key{Output: "temp", ProducerUID: "sensor:1", FoiUID: "room:1", Timestamp: 1000}
	require.NoError(t, s.StoreRecord(ctx, k, model.Record{1000.0, 21.5}))

	rec, err := s.Record(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 21.5, rec[1])

	other := k
	other.FoiUID = ""
	_, err = s.Record(ctx, other)
	assert.True(t, errors.IsNotFound(err), "FOI is part of the key")

	require.NoError(t, s.UpdateRecord(ctx, k, model.Record{1000.0, 22.0}))
	rec, err = s.Record(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 22.0, rec[1])

	assert.True(t, errors.IsNotFound(s.UpdateRecord(ctx, other, model.Record{1.0, 1.0})))

	require.NoError(t, s.RemoveRecord(ctx, k))
	_, err = s.Record(ctx, k)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(s.RemoveRecord(ctx, k)))

	err = s.StoreRecord(ctx, model.Key{Output: "nope", Timestamp: 1}, model.Record{1.0})
	assert.True(t, errors.IsNotFound(err), "unknown record store: %v", err)
}

func testRecordsFilter(t *testing.T, s storage.Module) {
	ctx := context.Background()
	Fill(t, s, 30, 10, 20, 40)

	it, err := s.Records(ctx, storage.DataFilter{})
	require.NoError(t, err)
	var got []float64
	for e := range iterutil.Seq(it) {
		got = append(got, e.Key.Timestamp)
	}
	assert.Equal(t, []float64{10, 20, 30, 40}, got)

	it, err = s.Records(ctx, storage.DataFilter{
		Stores:    []string{"temp"},
		TimeRange: &storage.TimeRange{Begin: 20, End: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, iterutil.Count(it))

	it, err = s.Records(ctx, storage.DataFilter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, iterutil.Count(it))

	it, err = s.Records(ctx, storage.DataFilter{ProducerUIDs: []string{"sensor:2"}})
	require.NoError(t, err)
	assert.False(t, it.HasNext())

	n, err := s.NumRecords(ctx, "temp")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func testTimeRange(t *testing.T, s storage.Module) {
	ctx := context.Background()

	_, _, err := s.RecordsTimeRange(ctx, "temp")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.AddRecordStore(ctx, "temp", TempSchema, model.EncodingJSON))
	_, ok, err := s.RecordsTimeRange(ctx, "temp")
	require.NoError(t, err)
	assert.False(t, ok, "empty store has no range")

	Fill(t, s, 5, 100, 50)
	tr, ok, err := s.RecordsTimeRange(ctx, "temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.TimeRange{Begin: 5, End: 100}, tr)
}

func testRemoveRecordsWindow(t *testing.T, s storage.Module) {
	ctx := context.Background()

	var all []float64
	for ts := 0.0; ts <= 100; ts += 10 {
		all = append(all, ts)
	}
	Fill(t, s, all...)

	n, err := s.RemoveRecords(ctx, storage.DataFilter{
		Stores:    []string{"temp"},
		TimeRange: &storage.TimeRange{Begin: 0, End: 70},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, s.Commit(ctx))

	tr, ok, err := s.RecordsTimeRange(ctx, "temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 70.0, tr.Begin)
	assert.Equal(t, 100.0, tr.End)
}

func testCommitRollback(t *testing.T, s storage.Module) {
	ctx := context.Background()
	Fill(t, s, 1)

	require.NoError(t, s.StoreRecord(ctx, key(2), model.Record{2.0, 1.0}))
	require.NoError(t, s.RemoveRecord(ctx, key(1)))
	require.NoError(t, s.Rollback(ctx))

	_, err := s.Record(ctx, key(1))
	assert.NoError(t, err, "committed record survives rollback")
	_, err = s.Record(ctx, key(2))
	assert.True(t, errors.IsNotFound(err), "uncommitted record is rolled back")
}

func testDescriptions(t *testing.T, s storage.Module) {
	ctx := context.Background()

	latest, err := s.LatestDescription(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, vt := range []float64{10, 30, 20} {
		require.NoError(t, s.StoreDescription(ctx, &model.Description{UID: "sensor:1", Name: "v", ValidTime: vt}))
	}
	require.NoError(t, s.Commit(ctx))

	latest, err = s.LatestDescription(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 30.0, latest.ValidTime)

	require.NoError(t, s.UpdateDescription(ctx, &model.Description{UID: "sensor:1", Name: "renamed", ValidTime: 30}))
	latest, err = s.LatestDescription(ctx)
	require.NoError(t, err)
	assert.Equal(t, "renamed", latest.Name)

	// [10,20) and [20,30) lie within [0,30]; the latest never expires.
	n, err := s.RemoveDescriptionHistory(ctx, 0, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	history, err := s.DescriptionHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 30.0, history[0].ValidTime)
}

func testFois(t *testing.T, s storage.Module) {
	fs, ok := s.(storage.FoiStorage)
	if !ok {
		t.Skip("backend does not persist features of interest")
	}
	ctx := context.Background()

	require.NoError(t, fs.StoreFoi(ctx, "sensor:1", &model.Feature{UID: "room:1", Location: model.Point(1, 1)}))
	require.NoError(t, fs.StoreFoi(ctx, "sensor:2", &model.Feature{UID: "room:2", Location: model.Point(50, 60)}))
	require.NoError(t, fs.StoreFoi(ctx, "sensor:3", &model.Feature{UID: "field:1"}))
	require.NoError(t, s.Commit(ctx))

	ids, err := fs.FoiIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room:1", "room:2", "field:1"}, ids)

	n, err := fs.NumFois(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ext, err := fs.FoisSpatialExtent(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BBox{MinX: 1, MinY: 1, MaxX: 50, MaxY: 60}, ext)

	it, err := fs.Fois(ctx, storage.FoiFilter{Region: &model.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}})
	require.NoError(t, err)
	got := iterutil.Collect(it)
	require.Len(t, got, 1)
	assert.Equal(t, "room:1", got[0].UID)
}

func testSubStores(t *testing.T, s storage.Module) {
	ms, ok := s.(storage.MultiSourceStorage)
	if !ok {
		t.Skip("backend has no sub-stores")
	}
	ctx := context.Background()

	_, err := ms.DataStore(ctx, "a")
	assert.True(t, errors.IsNotFound(err))

	sub, err := ms.AddDataStore(ctx, "a")
	require.NoError(t, err)
	_, err = ms.AddDataStore(ctx, "a")
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
	_, err = ms.AddDataStore(ctx, "b")
	require.NoError(t, err)

	Fill(t, sub, 1, 2)
	require.NoError(t, sub.StoreDescription(ctx, &model.Description{UID: "a", ValidTime: 1}))
	require.NoError(t, sub.Commit(ctx))

	ids, err := ms.ProducerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	again, err := ms.DataStore(ctx, "a")
	require.NoError(t, err)
	n, err := again.NumRecords(ctx, "temp")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rootStores, err := s.RecordStores(ctx)
	require.NoError(t, err)
	assert.Empty(t, rootStores, "sub-store records stay out of the root store")

	rootDesc, err := s.LatestDescription(ctx)
	require.NoError(t, err)
	assert.Nil(t, rootDesc)
}
