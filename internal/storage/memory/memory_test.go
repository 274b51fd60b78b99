package memory

import (
	"context"
	"testing"

	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/storagetest"
)

func open(t *testing.T) storage.Module {
	s := New("test")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestContract(t *testing.T) {
	storagetest.Run(t, open)
}

func TestRegistered(t *testing.T) {
	mod, err := storage.Open(&storage.Config{Kind: Kind, Name: "reg"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := mod.(*Storage); !ok {
		t.Fatalf("Open() returned %T", mod)
	}
}

func TestStats(t *testing.T) {
	s := New("")
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.AddRecordStore(ctx, "temp", storagetest.TempSchema, model.EncodingJSON); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().Pending; got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}

	_ = s.Commit(ctx)
	_ = s.Rollback(ctx)

	st := s.Stats()
	if st.Commits != 1 || st.Rollbacks != 1 || st.Pending != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}

	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	if err := s.Stop(); err != nil {
		t.Error(err)
	}
	if err := s.Stop(); err != nil {
		t.Error("Stop should be idempotent")
	}
}

func TestStopDiscardsUncommitted(t *testing.T) {
	s := New("")
	ctx := context.Background()
	_ = s.Start(ctx)

	storagetest.Fill(t, s, 1)
	_ = s.StoreRecord(ctx, model.Key{Output: "temp", ProducerUID: "sensor:1", Timestamp: 2}, model.Record{2.0, 1.0})
	_ = s.Stop()

	n, _ := s.NumRecords(ctx, "temp")
	if n != 1 {
		t.Errorf("NumRecords = %d, want 1", n)
	}
}

func TestProducerFoi(t *testing.T) {
	s := New("")
	ctx := context.Background()

	_ = s.StoreFoi(ctx, "sensor:1", &model.Feature{UID: "room:1"})
	_ = s.Commit(ctx)
	_ = s.StoreFoi(ctx, "sensor:1", &model.Feature{UID: "room:2"})
	_ = s.Rollback(ctx)

	uid, ok := s.ProducerFoi("sensor:1")
	if !ok || uid != "room:1" {
		t.Errorf("ProducerFoi = %q, %v", uid, ok)
	}
	if n, _ := s.NumFois(ctx); n != 1 {
		t.Errorf("NumFois = %d", n)
	}
}
