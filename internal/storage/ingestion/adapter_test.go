package ingestion

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/producer"
	"github.com/xtxerr/obshub/internal/registry"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/config"
	"github.com/xtxerr/obshub/internal/storage/memory"
	"github.com/xtxerr/obshub/internal/testutil"
)

var tempSchema = model.Schema{
	Name: "temp",
	Fields: []model.Field{
		{Name: "time", Type: model.FieldTime, Definition: model.DefSamplingTime},
		{Name: "value", Type: model.FieldQuantity, UOM: "Cel"},
	},
}

type hub struct {
	bus *eventbus.Local
	reg *registry.Registry
}

func newHub(t *testing.T) *hub {
	t.Helper()
	bus := eventbus.NewLocal(eventbus.WithSyncDelivery(), eventbus.WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = bus.Close() })
	return &hub{bus: bus, reg: registry.New(bus)}
}

func (h *hub) sensor(t *testing.T, uid string, enabled bool, opts ...producer.Option) *producer.Base {
	t.Helper()
	p := producer.New(uid, h.bus, append([]producer.Option{producer.WithEnabled(enabled)}, opts...)...)
	if _, err := p.AddOutput("temp", tempSchema, model.EncodingJSON); err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *hub) register(t *testing.T, m registry.Module) {
	t.Helper()
	if err := h.reg.Register(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

func testConfig(root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Name = "test"
	cfg.Storage = &storage.Config{Kind: memory.Kind, Name: "test"}
	cfg.DataSourceID = root
	return cfg
}

func newAdapter(t *testing.T, cfg *config.Config, h *hub, opts ...Option) (*Adapter, *memory.Storage) {
	t.Helper()
	mem := memory.New(cfg.Name)
	base := []Option{WithStorage(mem), WithLogger(logging.Discard())}
	a, err := New(cfg, h.reg, h.bus, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a, mem
}

func start(t *testing.T, a *Adapter) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWrite_StoresRecordAndCommitsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	a, mem := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if got := a.ProducerState("sensor:1"); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	if err := sensor.Publish(ctx, "temp", model.Record{1000.0, 21.5}); err != nil {
		t.Fatal(err)
	}

	rec, err := a.Record(ctx, model.Key{Output: "temp", ProducerUID: "sensor:1", Timestamp: 1000.0})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec[1] != 21.5 {
		t.Errorf("value = %v, want 21.5", rec[1])
	}

	if got := a.Stats().Commits; got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
	if got := mem.Stats().Pending; got != 0 {
		t.Errorf("pending changes = %d, want 0", got)
	}
	if a.State(ctx) != ModuleStarted {
		t.Errorf("module state = %v, want started", a.State(ctx))
	}
}

func TestStart_WaitsForDisabledSource(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", false)
	h.register(t, sensor)

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if got := a.Status(); got != "Waiting for data source sensor:1" {
		t.Errorf("status = %q", got)
	}
	if got := a.ProducerState("sensor:1"); got != StateWaitingForSource {
		t.Errorf("state = %v, want waiting_for_source", got)
	}
	if a.IsConnected("sensor:1") {
		t.Fatal("disabled source must not be connected")
	}
	if a.State(ctx) != ModuleWaitingForData {
		t.Errorf("module state = %v, want waiting_for_data", a.State(ctx))
	}

	if err := h.reg.Enable(ctx, "sensor:1"); err != nil {
		t.Fatal(err)
	}
	if !a.IsConnected("sensor:1") {
		t.Fatal("expected connection after enable")
	}
	if got := a.Status(); got != "" {
		t.Errorf("status = %q, want cleared", got)
	}

	// A duplicate lifecycle event must not connect twice.
	dup := &eventbus.LifecycleEvent{
		Type:        eventbus.KindProducerEnabled,
		Source:      registry.EventSourceID,
		ProducerUID: "sensor:1",
		At:          time.Now(),
	}
	if err := h.bus.Publish(ctx, dup); err != nil {
		t.Fatal(err)
	}

	if got := a.Stats().Connects; got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
	stores, err := a.RecordStores(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stores) != 1 {
		t.Errorf("record stores = %d, want 1", len(stores))
	}
	// registry subscription plus one producer subscription
	if got := h.bus.Stats().Subscriptions; got != 2 {
		t.Errorf("subscriptions = %d, want 2", got)
	}
}

func TestStart_UnknownSourceConnectsWhenAdded(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if got := a.ProducerState("sensor:1"); got != StateWaitingForSource {
		t.Fatalf("state = %v, want waiting_for_source", got)
	}

	h.register(t, h.sensor(t, "sensor:1", true))

	if !a.IsConnected("sensor:1") {
		t.Fatal("expected connection after registration")
	}
	if _, err := a.LatestDescription(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStart_InvalidProducerKindWaits(t *testing.T) {
	h := newHub(t)
	h.register(t, notAProducer("sensor:1"))

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if got := a.ProducerState("sensor:1"); got != StateWaitingForSource {
		t.Errorf("state = %v, want waiting_for_source", got)
	}
}

type notAProducer string

func (n notAProducer) UID() string { return string(n) }

func TestWrite_KeysAndFullBatch(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sensor := h.sensor(t, "sensor:1", true, producer.WithClock(func() time.Time { return at }))
	h.register(t, sensor)

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if err := sensor.SetFoi(ctx, &model.Feature{UID: "foi:1", Location: model.Point(7.5, 47.1)}); err != nil {
		t.Fatal(err)
	}

	batch := []model.Record{
		{1.0, 10.0},
		{"not a time", 11.0},
		{int32(3), 12.0},
	}
	if err := sensor.Publish(ctx, "temp", batch...); err != nil {
		t.Fatal(err)
	}

	for _, ts := range []float64{1.0, model.TimeToSeconds(at), 3.0} {
		key := model.Key{Output: "temp", ProducerUID: "sensor:1", FoiUID: "foi:1", Timestamp: ts}
		if _, err := a.Record(ctx, key); err != nil {
			t.Errorf("record %s: %v", key, err)
		}
	}

	st := a.Stats()
	if st.RecordsStored != 3 || st.RecordsFailed != 0 {
		t.Errorf("stored=%d failed=%d, want 3 and 0", st.RecordsStored, st.RecordsFailed)
	}
	if st.DispatchErrors != 0 {
		t.Errorf("dispatch errors = %d, want 0", st.DispatchErrors)
	}

	ids, err := a.FoiIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"foi:1"}) {
		t.Errorf("FOI IDs = %v", ids)
	}
	if foi, _ := a.CurrentFoi("sensor:1"); foi != "foi:1" {
		t.Errorf("current FOI = %q", foi)
	}

	results := a.IngestionStats()
	if len(results) != 1 || results[0].Count != 3 {
		t.Errorf("ingestion stats = %+v", results)
	}
}

func TestWrite_TimeValueKinds(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value any
		want  float64
	}{
		{"int32", int32(1000), 1000},
		{"uint32", uint32(2000), 2000},
		{"int64", int64(3000), 3000},
		{"time", time.Unix(1500, 500_000_000), 1500.5},
		{"unreadable uses arrival", []byte("noon"), model.TimeToSeconds(at)},
		{"missing uses arrival", nil, model.TimeToSeconds(at)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHub(t)
			sensor := h.sensor(t, "sensor:1", true, producer.WithClock(func() time.Time { return at }))
			h.register(t, sensor)

			a, _ := newAdapter(t, testConfig("sensor:1"), h)
			start(t, a)

			if err := sensor.Publish(ctx, "temp", model.Record{tt.value, 20.0}); err != nil {
				t.Fatal(err)
			}

			it, err := a.Records(ctx, storage.DataFilter{Stores: []string{"temp"}})
			if err != nil {
				t.Fatal(err)
			}
			entries := iterutil.Collect(it)
			if len(entries) != 1 {
				t.Fatalf("entries = %d, want 1", len(entries))
			}
			if got := entries[0].Key.Timestamp; got != tt.want {
				t.Errorf("timestamp = %v, want %v", got, tt.want)
			}
			if st := a.Stats(); st.RecordsFailed != 0 || st.DispatchErrors != 0 {
				t.Errorf("failed=%d dispatch errors=%d, want 0", st.RecordsFailed, st.DispatchErrors)
			}
		})
	}
}

func TestWrite_FallbackTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sensor := producer.New("sensor:1", h.bus, producer.WithClock(func() time.Time { return at }))
	counts := model.Schema{Name: "counts", Fields: []model.Field{{Name: "n", Type: model.FieldCount}}}
	if _, err := sensor.AddOutput("counts", counts, model.EncodingJSON); err != nil {
		t.Fatal(err)
	}
	h.register(t, sensor)

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if err := sensor.Publish(ctx, "counts", model.Record{42.0}); err != nil {
		t.Fatal(err)
	}

	it, err := a.Records(ctx, storage.DataFilter{Stores: []string{"counts"}})
	if err != nil {
		t.Fatal(err)
	}
	entries := iterutil.Collect(it)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if got, want := entries[0].Key.Timestamp, model.TimeToSeconds(at); got != want {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
	if a.Stats().DispatchErrors != 0 {
		t.Error("fallback time stamp must not be an error")
	}
}

func TestCommitDebounce(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig("sensor:1")
	cfg.MinCommitPeriod = 1000

	a, _ := newAdapter(t, cfg, h, WithClock(clock.Now))
	start(t, a)

	steps := []struct {
		advance time.Duration
		want    int64
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{400 * time.Millisecond, 1},
		{200 * time.Millisecond, 2},
		{1001 * time.Millisecond, 3},
	}
	for i, step := range steps {
		clock.Advance(step.advance)
		if err := sensor.Publish(ctx, "temp", model.Record{float64(i), 1.0}); err != nil {
			t.Fatal(err)
		}
		if got := a.Stats().Commits; got != step.want {
			t.Errorf("step %d: commits = %d, want %d", i, got, step.want)
		}
	}
}

func TestReplayLatestRecordOnConnect(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	// published before anyone listens
	if err := sensor.Publish(ctx, "temp", model.Record{500.0, 19.0}); err != nil {
		t.Fatal(err)
	}

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if _, err := a.Record(ctx, model.Key{Output: "temp", ProducerUID: "sensor:1", Timestamp: 500.0}); err != nil {
		t.Errorf("replayed record: %v", err)
	}
}

func TestExcludedOutputs(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	if _, err := sensor.AddOutput("debug", tempSchema, model.EncodingText); err != nil {
		t.Fatal(err)
	}
	h.register(t, sensor)

	cfg := testConfig("sensor:1")
	cfg.ExcludedOutputs = []string{"debug"}
	a, _ := newAdapter(t, cfg, h)
	start(t, a)

	stores, err := a.RecordStores(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stores["debug"]; ok {
		t.Error("excluded output got a record store")
	}
	if _, ok := stores["temp"]; !ok {
		t.Error("missing record store for temp")
	}

	if err := sensor.Publish(ctx, "debug", model.Record{1.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	if got := a.Stats().RecordsStored; got != 0 {
		t.Errorf("stored = %d, want 0", got)
	}
}

func TestDescriptionChanged(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	v2 := &model.Description{UID: "sensor:1", Name: "v2", ValidTime: 100}
	if err := sensor.UpdateDescription(ctx, v2); err != nil {
		t.Fatal(err)
	}

	// an unchanged description is not stored again
	again := &eventbus.DescriptionChangedEvent{ProducerUID: "sensor:1", At: time.Now()}
	if err := h.bus.Publish(ctx, again); err != nil {
		t.Fatal(err)
	}

	history, err := a.DescriptionHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d descriptions, want 2", len(history))
	}
	if history[1].Name != "v2" {
		t.Errorf("latest = %q, want v2", history[1].Name)
	}

	d, err := a.DescriptionAt(ctx, 150)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Name != "v2" {
		t.Errorf("description at 150 = %+v", d)
	}
}

func newGroupTree(t *testing.T, h *hub, enabled bool) *producer.Group {
	t.Helper()
	group := producer.NewGroup("group:1", h.bus, producer.WithEnabled(enabled))
	for _, uid := range []string{"a", "b"} {
		if err := group.AddMember(h.sensor(t, uid, true)); err != nil {
			t.Fatal(err)
		}
	}
	return group
}

func TestConnect_GroupSubStores(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	group := newGroupTree(t, h, true)

	nested := producer.NewGroup("c", h.bus)
	if err := nested.AddMember(h.sensor(t, "c1", true)); err != nil {
		t.Fatal(err)
	}
	if err := group.AddMember(nested); err != nil {
		t.Fatal(err)
	}
	h.register(t, group)

	a, _ := newAdapter(t, testConfig("group:1"), h)
	start(t, a)

	ids, err := a.ProducerIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a", "b", "c", "c1"}; !slices.Equal(ids, want) {
		t.Fatalf("producer IDs = %v, want %v", ids, want)
	}
	for _, uid := range []string{"group:1", "a", "b", "c", "c1"} {
		if !a.IsConnected(uid) {
			t.Errorf("%s not connected", uid)
		}
	}

	// member records land in the member's sub-store
	member := group.Members()["a"].(*producer.Base)
	if err := member.Publish(ctx, "temp", model.Record{10.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	ds, err := a.DataStore(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := ds.NumRecords(ctx, "temp"); n != 1 {
		t.Errorf("sub-store records = %d, want 1", n)
	}

	if err := h.reg.Disable(ctx, "group:1"); err != nil {
		t.Fatal(err)
	}

	if got := a.ConnectedProducers(); got != 0 {
		t.Errorf("connected producers = %d, want 0", got)
	}
	if got := h.bus.Stats().Subscriptions; got != 1 {
		t.Errorf("subscriptions = %d, want only the registry one", got)
	}
	if got := a.Status(); got != "Disconnected from data source group:1" {
		t.Errorf("status = %q", got)
	}
}

func TestEnsureProducerInfo_Concurrent(t *testing.T) {
	h := newHub(t)
	h.register(t, newGroupTree(t, h, false))

	a, mem := newAdapter(t, testConfig("group:1"), h)
	start(t, a)

	gt := testutil.NewGoroutineTestWithTimeout(t, 5*time.Second)
	for i := 0; i < 8; i++ {
		gt.GoWithContext(func(ctx context.Context) error {
			return a.ensureProducerInfo(ctx, "a")
		})
	}
	gt.Wait()

	ids, err := mem.ProducerIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"a"}) {
		t.Errorf("producer IDs = %v, want [a]", ids)
	}
	if got := a.ConnectedProducers(); got != 1 {
		t.Errorf("connected producers = %d, want 1", got)
	}
	if got := h.bus.Stats().Subscriptions; got != 2 {
		t.Errorf("subscriptions = %d, want 2", got)
	}
}

func TestMemberLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	group := newGroupTree(t, h, true)
	h.register(t, group)

	a, _ := newAdapter(t, testConfig("group:1"), h)
	start(t, a)

	if err := h.reg.AddMember(ctx, "group:1", h.sensor(t, "late", true)); err != nil {
		t.Fatal(err)
	}
	if !a.IsConnected("late") {
		t.Fatal("member added at runtime is not connected")
	}

	if err := h.reg.RemoveMember(ctx, "group:1", "b"); err != nil {
		t.Fatal(err)
	}
	if a.IsConnected("b") {
		t.Error("removed member still connected")
	}

	if err := h.reg.Disable(ctx, "group:1"); err != nil {
		t.Fatal(err)
	}
	if got := a.ConnectedProducers(); got != 0 {
		t.Errorf("connected producers = %d, want 0", got)
	}
}

func TestNotStarted(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	a, _ := newAdapter(t, testConfig("sensor:1"), h)

	if _, err := a.Record(ctx, model.Key{}); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("Record before start: %v", err)
	}
	if _, err := a.FoiIDs(ctx); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("FoiIDs before start: %v", err)
	}
	if err := a.Commit(ctx); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("Commit before start: %v", err)
	}

	start(t, a)
	if err := a.Start(ctx); !errors.Is(err, errors.ErrAlreadyStarted) {
		t.Errorf("second start: %v", err)
	}

	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if _, err := a.ProducerIDs(ctx); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("ProducerIDs after stop: %v", err)
	}
	if a.State(ctx) != ModuleStopped {
		t.Errorf("module state = %v, want stopped", a.State(ctx))
	}
}

// slowStart blocks Start until released.
type slowStart struct {
	*memory.Storage
	entered chan struct{}
	release chan struct{}
}

func (s *slowStart) Start(ctx context.Context) error {
	close(s.entered)
	<-s.release
	return s.Storage.Start(ctx)
}

func TestNotStarted_WhileStorageStarting(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	mod := &slowStart{
		Storage: memory.New("test"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	a, _ := newAdapter(t, testConfig("sensor:1"), h, WithStorage(mod))

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	select {
	case <-mod.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("storage start not called")
	}

	if _, err := a.Record(ctx, model.Key{}); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("Record while starting: %v", err)
	}
	if _, err := a.FoiIDs(ctx); !errors.Is(err, errors.ErrNotStarted) {
		t.Errorf("FoiIDs while starting: %v", err)
	}
	if a.State(ctx) != ModuleStopped {
		t.Errorf("module state = %v, want stopped", a.State(ctx))
	}

	close(mod.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}

	if err := a.Commit(ctx); err != nil {
		t.Errorf("Commit after start: %v", err)
	}
}

func TestStop_DisconnectsAndIgnoresEvents(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	a, mem := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)
	if err := sensor.Publish(ctx, "temp", model.Record{1.0, 1.0}); err != nil {
		t.Fatal(err)
	}

	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := h.bus.Stats().Subscriptions; got != 0 {
		t.Errorf("subscriptions after stop = %d, want 0", got)
	}
	if err := sensor.Publish(ctx, "temp", model.Record{2.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	if got := a.Stats().RecordsStored; got != 1 {
		t.Errorf("stored = %d, want 1", got)
	}
	if got := mem.Stats().Pending; got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestProcessEventsDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	cfg := testConfig("sensor:1")
	cfg.ProcessEvents = false
	a, _ := newAdapter(t, cfg, h)
	start(t, a)

	if err := sensor.Publish(ctx, "temp", model.Record{1.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	st := a.Stats()
	if st.RecordsStored != 0 || st.EventsDropped != 1 {
		t.Errorf("stored=%d dropped=%d, want 0 and 1", st.RecordsStored, st.EventsDropped)
	}

	a.SetProcessEvents(true)
	if err := sensor.Publish(ctx, "temp", model.Record{2.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	if got := a.Stats().RecordsStored; got != 1 {
		t.Errorf("stored = %d, want 1", got)
	}
}

// slowBus never acknowledges producer subscriptions.
type slowBus struct {
	*eventbus.Local
}

func (b slowBus) Subscribe(ctx context.Context, sel eventbus.Selector, h eventbus.Handler) (eventbus.Subscription, error) {
	if slices.Contains(sel.Sources, registry.EventSourceID) {
		return b.Local.Subscribe(ctx, sel, h)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubscribeTimeout(t *testing.T) {
	h := newHub(t)
	h.register(t, h.sensor(t, "sensor:1", true))

	cfg := testConfig("sensor:1")
	cfg.SubscribeTimeout = 20 * time.Millisecond

	a, err := New(cfg, h.reg, slowBus{h.bus}, WithStorage(memory.New("test")), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	err = a.Start(context.Background())
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("start = %v, want timeout", err)
	}
	if a.IsRunning() {
		t.Error("adapter must stay stopped after a failed start")
	}
}

func TestAutoPurge(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	cfg := testConfig("sensor:1")
	cfg.AutoPurge = &config.AutoPurgeConfig{
		Enabled:      true,
		PurgePeriod:  3600,
		Policy:       "max-age",
		MaxRecordAge: 30,
	}
	a, _ := newAdapter(t, cfg, h)
	start(t, a)

	for ts := 0; ts <= 100; ts++ {
		if err := sensor.Publish(ctx, "temp", model.Record{float64(ts), 1.0}); err != nil {
			t.Fatal(err)
		}
	}

	// The scheduler also runs once on start, possibly while records were
	// still arriving. Both runs together delete everything before 70.
	if _, err := a.PurgeNow(ctx); err != nil {
		t.Fatal(err)
	}
	err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		stats, ok := a.PurgeStats()
		return ok && stats.Runs >= 2
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, _ := a.PurgeStats()
	if stats.RecordsDeleted != 70 {
		t.Errorf("deleted = %d, want 70", stats.RecordsDeleted)
	}
	if n, _ := a.NumRecords(ctx, "temp"); n != 31 {
		t.Errorf("remaining = %d, want 31", n)
	}
}

func TestPurgeNow_Disabled(t *testing.T) {
	h := newHub(t)
	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)

	if _, err := a.PurgeNow(context.Background()); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("PurgeNow = %v, want unsupported", err)
	}
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	h := newHub(t)
	sensor := h.sensor(t, "sensor:1", true)
	h.register(t, sensor)

	a, _ := newAdapter(t, testConfig("sensor:1"), h)
	start(t, a)
	for _, ts := range []float64{1, 2, 3} {
		if err := sensor.Publish(ctx, "temp", model.Record{ts, ts * 10}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if _, err := a.Backup(ctx, &buf); err != nil {
		t.Fatalf("backup: %v", err)
	}

	h2 := newHub(t)
	b, _ := newAdapter(t, testConfig("sensor:1"), h2)
	start(t, b)

	data := buf.Bytes()
	if _, err := b.Restore(ctx, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n, _ := b.NumRecords(ctx, "temp"); n != 3 {
		t.Errorf("restored records = %d, want 3", n)
	}
}
