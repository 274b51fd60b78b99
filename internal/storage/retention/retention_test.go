package retention

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/config"
	"github.com/xtxerr/obshub/internal/storage/memory"
	"github.com/xtxerr/obshub/internal/storage/storagetest"
	"github.com/xtxerr/obshub/internal/testutil"
)

func newStorage(t *testing.T) *memory.Storage {
	t.Helper()
	s := memory.New("retention")
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func seq(from, to int) []float64 {
	out := make([]float64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, float64(i))
	}
	return out
}

func timestamps(t *testing.T, s storage.Storage) []float64 {
	t.Helper()
	it, err := s.Records(context.Background(), storage.DataFilter{Stores: []string{"temp"}})
	if err != nil {
		t.Fatal(err)
	}
	var out []float64
	for e := range iterutil.Seq(it) {
		out = append(out, e.Key.Timestamp)
	}
	return out
}

func TestMaxAgePolicy_Boundary(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	storagetest.Fill(t, s, seq(0, 100)...)

	p, err := NewMaxAgePolicy(30 * time.Second)
	if err != nil {
		t.Fatal(err)
	}

	commits := s.Stats().Commits
	deleted, err := p.Trim(ctx, s, logging.Discard())
	if err != nil {
		t.Fatalf("Trim() error: %v", err)
	}

	if deleted != 70 {
		t.Errorf("deleted = %d, want 70", deleted)
	}
	if got := s.Stats().Commits - commits; got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}

	remaining := timestamps(t, s)
	if len(remaining) != 31 {
		t.Fatalf("remaining = %d records, want 31", len(remaining))
	}
	for _, ts := range remaining {
		if ts < 70 {
			t.Errorf("record at %v survived the purge", ts)
		}
	}
}

func TestMaxAgePolicy_NothingObsolete(t *testing.T) {
	s := newStorage(t)
	storagetest.Fill(t, s, seq(0, 10)...)

	p, _ := NewMaxAgePolicy(30 * time.Second)
	deleted, err := p.Trim(context.Background(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestMaxAgePolicy_DescriptionHistory(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	storagetest.Fill(t, s, seq(0, 100)...)

	for _, vt := range []float64{0, 50, 90} {
		d := &model.Description{UID: "sensor:1", Name: "thermometer", ValidTime: vt}
		if err := s.StoreDescription(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	p, _ := NewMaxAgePolicy(30 * time.Second)
	if _, err := p.Trim(ctx, s, logging.Discard()); err != nil {
		t.Fatal(err)
	}

	hist, err := s.DescriptionHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].ValidTime != 50 || hist[1].ValidTime != 90 {
		t.Errorf("unexpected history after purge: %v", hist)
	}
}

func TestMaxAgePolicy_SubStores(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	storagetest.Fill(t, s, seq(0, 100)...)

	sub, err := s.AddDataStore(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	storagetest.Fill(t, sub, seq(50, 100)...)

	p, _ := NewMaxAgePolicy(30 * time.Second)

	planned, err := p.Plan(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if planned != 90 {
		t.Errorf("planned = %d, want 90", planned)
	}

	deleted, err := p.Trim(ctx, s, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if deleted != planned {
		t.Errorf("deleted = %d, planned %d", deleted, planned)
	}
	if n, _ := sub.NumRecords(ctx, "temp"); n != 31 {
		t.Errorf("sub-store keeps %d records, want 31", n)
	}
}

func TestNewPolicy(t *testing.T) {
	cfg := config.DefaultAutoPurge()

	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("NewPolicy() error: %v", err)
	}
	if p.Name() != MaxAgeName {
		t.Errorf("Name() = %q", p.Name())
	}

	cfg.Policy = "unknown"
	if _, err := NewPolicy(cfg); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected config error, got %v", err)
	}

	if _, err := NewPolicy(nil); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected config error for nil config, got %v", err)
	}

	cfg = config.DefaultAutoPurge()
	cfg.MaxRecordAge = -1
	if _, err := NewPolicy(cfg); err == nil {
		t.Error("expected error for negative max age")
	}
}

// countingPolicy deletes nothing and counts its runs.
type countingPolicy struct {
	runs atomic.Int32
	err  error
}

func (p *countingPolicy) Name() string { return "counting" }

func (p *countingPolicy) Trim(context.Context, storage.Storage, *slog.Logger) (int, error) {
	p.runs.Add(1)
	return 2, p.err
}

func TestRegisterPolicy(t *testing.T) {
	custom := &countingPolicy{}
	RegisterPolicy("counting", func(*config.AutoPurgeConfig) (Policy, error) {
		return custom, nil
	})

	cfg := config.DefaultAutoPurge()
	cfg.Policy = "counting"

	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p != Policy(custom) {
		t.Error("expected the registered policy")
	}

	found := false
	for _, name := range Policies() {
		found = found || name == "counting"
	}
	if !found {
		t.Error("custom policy not listed")
	}
}

func TestScheduler_RunsImmediatelyAndPeriodically(t *testing.T) {
	s := newStorage(t)
	p := &countingPolicy{}

	var observed atomic.Int32
	sch := NewScheduler(p, s, 20*time.Millisecond,
		WithLogger(logging.Discard()),
		WithObserver(func(RunResult) { observed.Add(1) }))

	if err := sch.Start(); err != nil {
		t.Fatal(err)
	}
	if err := sch.Start(); !errors.Is(err, errors.ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return p.runs.Load() >= 3
	}); err != nil {
		t.Fatal(err)
	}

	sch.Stop()
	sch.Stop()

	runs := p.runs.Load()
	time.Sleep(50 * time.Millisecond)
	if p.runs.Load() != runs {
		t.Error("policy ran after Stop")
	}

	st := sch.Stats()
	if st.Runs != int64(runs) || st.RecordsDeleted != 2*int64(runs) {
		t.Errorf("unexpected stats %+v after %d runs", st, runs)
	}
	if observed.Load() != runs {
		t.Errorf("observer saw %d runs, want %d", observed.Load(), runs)
	}
}

func TestScheduler_RunNow(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	storagetest.Fill(t, s, seq(0, 100)...)

	p, _ := NewMaxAgePolicy(30 * time.Second)
	sch := NewScheduler(p, s, time.Hour, WithLogger(logging.Discard()))

	planned, err := sch.DryRun(ctx)
	if err != nil || planned != 70 {
		t.Fatalf("DryRun() = %d, %v", planned, err)
	}
	if n, _ := s.NumRecords(ctx, "temp"); n != 101 {
		t.Errorf("dry run deleted records: %d left", n)
	}

	res := sch.RunNow(ctx)
	if res.Err != nil || res.Deleted != 70 || res.Policy != MaxAgeName {
		t.Errorf("RunNow() = %+v", res)
	}
}

func TestScheduler_Errors(t *testing.T) {
	s := newStorage(t)
	p := &countingPolicy{err: errors.ErrTimeout}
	sch := NewScheduler(p, s, 0, WithLogger(logging.Discard()))

	if err := sch.Start(); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("Start() with zero interval = %v", err)
	}

	res := sch.RunNow(context.Background())
	if !errors.Is(res.Err, errors.ErrTimeout) {
		t.Errorf("RunNow() error = %v", res.Err)
	}
	if st := sch.Stats(); st.Errors != 1 || st.LastError == nil {
		t.Errorf("unexpected stats %+v", st)
	}

	if _, err := sch.DryRun(context.Background()); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("DryRun() = %v, want ErrUnsupported", err)
	}
}
