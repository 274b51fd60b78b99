package duckdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/storagetest"
)

func open(t *testing.T) storage.Module {
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "test.duckdb")

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

func TestContract(t *testing.T) {
	storagetest.Run(t, open)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueryTimeout = 0
	if _, err := New(cfg); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNotStarted(t *testing.T) {
	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.RecordStores(context.Background())
	if !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "persist.duckdb")

	s, _ := New(cfg)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	storagetest.Fill(t, s, 1, 2, 3)
	if err := s.StoreRecord(ctx, model.Key{Output: "temp", ProducerUID: "sensor:1", Timestamp: 4}, model.Record{4.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	reopened, _ := New(cfg)
	if err := reopened.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer reopened.Stop()

	n, err := reopened.NumRecords(ctx, "temp")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("NumRecords = %d, want 3 (uncommitted record must be lost)", n)
	}
}

func TestQuery(t *testing.T) {
	s := open(t).(*Storage)
	defer s.Stop()

	storagetest.Fill(t, s, 10, 20)

	rows, err := s.Query(context.Background(), "SELECT count(*) AS n FROM records")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	if n, ok := rows[0]["n"].(int64); !ok || n != 2 {
		t.Errorf("n = %v (%T)", rows[0]["n"], rows[0]["n"])
	}
}

func TestFailedStatementAbortsTransaction(t *testing.T) {
	s := open(t).(*Storage)
	defer s.Stop()

	if _, err := s.Query(context.Background(), "SELECT * FROM no_such_table"); err == nil {
		t.Fatal("expected error")
	}
	if s.Stats().Aborts != 1 {
		t.Errorf("Aborts = %d, want 1", s.Stats().Aborts)
	}

	// The next statement starts a fresh transaction.
	if _, err := s.RecordStores(context.Background()); err != nil {
		t.Errorf("storage unusable after abort: %v", err)
	}
}
