// Package memory implements an in-memory storage backend.
//
// All sub-stores of a Storage share one lock and one transaction journal:
// Commit makes every pending change since the last commit permanent,
// Rollback undoes them in reverse order.
package memory

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
)

// Kind is the backend kind registered with the storage factory.
const Kind = "memory"

func init() {
	storage.Register(Kind, func(cfg storage.Config) (storage.Module, error) {
		return New(cfg.Name), nil
	})
}

// Storage is an in-memory storage module with FOI and sub-store support.
type Storage struct {
	*dataStore

	name   string
	logger *slog.Logger

	mu      sync.RWMutex
	journal []func()
	subs    map[string]*dataStore
	fois    map[string]*model.Feature
	foiOf   map[string]string // producer UID -> FOI UID

	running atomic.Bool

	commits   atomic.Int64
	rollbacks atomic.Int64
}

// New creates an empty in-memory storage.
func New(name string) *Storage {
	if name == "" {
		name = Kind
	}
	s := &Storage{
		name:   name,
		logger: logging.Component("storage.memory").With("storage", name),
		subs:   make(map[string]*dataStore),
		fois:   make(map[string]*model.Feature),
		foiOf:  make(map[string]string),
	}
	s.dataStore = newDataStore(s, "")
	return s
}

// Start implements storage.Module.
func (s *Storage) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrapf(errors.ErrAlreadyStarted, "storage %s", s.name)
	}
	s.logger.Debug("storage started")
	return nil
}

// Stop implements storage.Module. Uncommitted changes are discarded.
func (s *Storage) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.rollback()
	s.logger.Debug("storage stopped")
	return nil
}

// Stats holds transaction statistics.
type Stats struct {
	Commits   int64
	Rollbacks int64
	Pending   int
}

// Stats returns a snapshot of transaction statistics.
func (s *Storage) Stats() Stats {
	s.mu.RLock()
	pending := len(s.journal)
	s.mu.RUnlock()

	return Stats{
		Commits:   s.commits.Load(),
		Rollbacks: s.rollbacks.Load(),
		Pending:   pending,
	}
}

func (s *Storage) commit() {
	s.mu.Lock()
	s.journal = nil
	s.mu.Unlock()
	s.commits.Add(1)
}

func (s *Storage) rollback() {
	s.mu.Lock()
	for i := len(s.journal) - 1; i >= 0; i-- {
		s.journal[i]()
	}
	s.journal = nil
	s.mu.Unlock()
	s.rollbacks.Add(1)
}

// record registers undo. Callers hold s.mu.
func (s *Storage) record(undo func()) {
	s.journal = append(s.journal, undo)
}

// ============================================================================
// Sub-stores
// ============================================================================

// DataStore implements storage.MultiSourceStorage.
func (s *Storage) DataStore(ctx context.Context, uid string) (storage.Storage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.subs[uid]
	if !ok {
		return nil, errors.NewNotFound("data store", uid)
	}
	return ds, nil
}

// AddDataStore implements storage.MultiSourceStorage.
func (s *Storage) AddDataStore(ctx context.Context, uid string) (storage.Storage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[uid]; ok {
		return nil, errors.NewAlreadyExists("data store", uid)
	}
	ds := newDataStore(s, uid)
	s.subs[uid] = ds
	s.record(func() { delete(s.subs, uid) })

	s.logger.Debug("data store added", "producer", uid)
	return ds, nil
}

// ProducerIDs implements storage.MultiSourceStorage.
func (s *Storage) ProducerIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.subs)), nil
}

// ============================================================================
// Features of interest
// ============================================================================

// StoreFoi implements storage.FoiStorage.
func (s *Storage) StoreFoi(ctx context.Context, producerUID string, foi *model.Feature) error {
	if foi == nil || foi.UID == "" {
		return errors.NewValidation("feature of interest", "uid is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevFoi, hadFoi := s.fois[foi.UID]
	prevOf, hadOf := s.foiOf[producerUID]

	c := *foi
	s.fois[foi.UID] = &c
	s.foiOf[producerUID] = foi.UID

	s.record(func() {
		if hadFoi {
			s.fois[foi.UID] = prevFoi
		} else {
			delete(s.fois, foi.UID)
		}
		if hadOf {
			s.foiOf[producerUID] = prevOf
		} else {
			delete(s.foiOf, producerUID)
		}
	})
	return nil
}

// Fois implements storage.FoiStorage.
func (s *Storage) Fois(ctx context.Context, filter storage.FoiFilter) (iterutil.Iterator[*model.Feature], error) {
	s.mu.RLock()
	all := make([]*model.Feature, 0, len(s.fois))
	for _, uid := range slices.Sorted(maps.Keys(s.fois)) {
		all = append(all, s.fois[uid])
	}
	s.mu.RUnlock()

	return iterutil.Filter(iterutil.FromSlice(all), filter.Accept), nil
}

// FoiIDs implements storage.FoiStorage.
func (s *Storage) FoiIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.fois)), nil
}

// NumFois implements storage.FoiStorage.
func (s *Storage) NumFois(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fois), nil
}

// FoisSpatialExtent implements storage.FoiStorage.
func (s *Storage) FoisSpatialExtent(ctx context.Context) (model.BBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ext := model.EmptyBBox()
	for _, f := range s.fois {
		if f.Location != nil {
			ext.Extend(*f.Location)
		}
	}
	return ext, nil
}

// ProducerFoi returns the FOI last stored for producerUID.
func (s *Storage) ProducerFoi(producerUID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.foiOf[producerUID]
	return uid, ok
}

// ============================================================================
// Data store
// ============================================================================

type recordKey struct {
	producer string
	foi      string
	ts       float64
}

type dataStore struct {
	root *Storage
	uid  string

	stores       map[string]storage.RecordStore
	records      map[string]map[recordKey]model.Record
	descriptions []*model.Description // ordered by valid time
}

func newDataStore(root *Storage, uid string) *dataStore {
	return &dataStore{
		root:    root,
		uid:     uid,
		stores:  make(map[string]storage.RecordStore),
		records: make(map[string]map[recordKey]model.Record),
	}
}

func toRecordKey(k model.Key) recordKey {
	return recordKey{producer: k.ProducerUID, foi: k.FoiUID, ts: k.Timestamp}
}

func (d *dataStore) AddRecordStore(ctx context.Context, name string, schema model.Schema, enc model.Encoding) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	if _, ok := d.stores[name]; ok {
		return errors.NewAlreadyExists("record store", name)
	}
	d.stores[name] = storage.RecordStore{Name: name, Schema: schema, Encoding: enc}
	d.records[name] = make(map[recordKey]model.Record)
	d.root.record(func() {
		delete(d.stores, name)
		delete(d.records, name)
	})
	return nil
}

func (d *dataStore) RecordStores(ctx context.Context) (map[string]storage.RecordStore, error) {
	d.root.mu.RLock()
	defer d.root.mu.RUnlock()
	return maps.Clone(d.stores), nil
}

// put stores rec under key and journals the previous value. Callers hold
// the root lock.
func (d *dataStore) put(key model.Key, rec model.Record) error {
	recs, ok := d.records[key.Output]
	if !ok {
		return errors.NewNotFound("record store", key.Output)
	}

	rk := toRecordKey(key)
	prev, existed := recs[rk]
	recs[rk] = slices.Clone(rec)
	d.root.record(func() {
		if existed {
			recs[rk] = prev
		} else {
			delete(recs, rk)
		}
	})
	return nil
}

func (d *dataStore) StoreRecord(ctx context.Context, key model.Key, rec model.Record) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	return d.put(key, rec)
}

func (d *dataStore) UpdateRecord(ctx context.Context, key model.Key, rec model.Record) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	if _, ok := d.records[key.Output][toRecordKey(key)]; !ok {
		return errors.NewNotFound("record", key.String())
	}
	return d.put(key, rec)
}

func (d *dataStore) RemoveRecord(ctx context.Context, key model.Key) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	recs := d.records[key.Output]
	rk := toRecordKey(key)
	prev, ok := recs[rk]
	if !ok {
		return errors.NewNotFound("record", key.String())
	}
	delete(recs, rk)
	d.root.record(func() { recs[rk] = prev })
	return nil
}

func (d *dataStore) Record(ctx context.Context, key model.Key) (model.Record, error) {
	d.root.mu.RLock()
	defer d.root.mu.RUnlock()

	rec, ok := d.records[key.Output][toRecordKey(key)]
	if !ok {
		return nil, errors.NewNotFound("record", key.String())
	}
	return slices.Clone(rec), nil
}

// matching returns the entries selected by filter in time order. Callers
// hold the root lock.
func (d *dataStore) matching(filter storage.DataFilter) []storage.Entry {
	var out []storage.Entry
	for name, recs := range d.records {
		for rk, rec := range recs {
			key := model.Key{Output: name, ProducerUID: rk.producer, FoiUID: rk.foi, Timestamp: rk.ts}
			if filter.Accept(key) {
				out = append(out, storage.Entry{Key: key, Record: rec})
			}
		}
	}

	slices.SortFunc(out, func(a, b storage.Entry) int {
		if c := cmp.Compare(a.Key.Timestamp, b.Key.Timestamp); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Key.Output, b.Key.Output); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.ProducerUID, b.Key.ProducerUID)
	})
	return out
}

func (d *dataStore) Records(ctx context.Context, filter storage.DataFilter) (iterutil.Iterator[storage.Entry], error) {
	d.root.mu.RLock()
	entries := d.matching(filter)
	for i := range entries {
		entries[i].Record = slices.Clone(entries[i].Record)
	}
	d.root.mu.RUnlock()

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return iterutil.FromSlice(entries), nil
}

func (d *dataStore) NumRecords(ctx context.Context, store string) (int, error) {
	d.root.mu.RLock()
	defer d.root.mu.RUnlock()

	recs, ok := d.records[store]
	if !ok {
		return 0, errors.NewNotFound("record store", store)
	}
	return len(recs), nil
}

func (d *dataStore) RecordsTimeRange(ctx context.Context, store string) (storage.TimeRange, bool, error) {
	d.root.mu.RLock()
	defer d.root.mu.RUnlock()

	recs, ok := d.records[store]
	if !ok {
		return storage.TimeRange{}, false, errors.NewNotFound("record store", store)
	}
	if len(recs) == 0 {
		return storage.TimeRange{}, false, nil
	}

	first := true
	var tr storage.TimeRange
	for rk := range recs {
		if first {
			tr = storage.TimeRange{Begin: rk.ts, End: rk.ts}
			first = false
			continue
		}
		tr.Begin = min(tr.Begin, rk.ts)
		tr.End = max(tr.End, rk.ts)
	}
	return tr, true, nil
}

func (d *dataStore) RemoveRecords(ctx context.Context, filter storage.DataFilter) (int, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	entries := d.matching(filter)
	for _, e := range entries {
		recs := d.records[e.Key.Output]
		rk := toRecordKey(e.Key)
		prev := recs[rk]
		delete(recs, rk)
		d.root.record(func() { recs[rk] = prev })
	}
	return len(entries), nil
}

func (d *dataStore) Commit(ctx context.Context) error {
	d.root.commit()
	return nil
}

func (d *dataStore) Rollback(ctx context.Context) error {
	d.root.rollback()
	return nil
}

func (d *dataStore) LatestDescription(ctx context.Context) (*model.Description, error) {
	d.root.mu.RLock()
	defer d.root.mu.RUnlock()

	if len(d.descriptions) == 0 {
		return nil, nil
	}
	return d.descriptions[len(d.descriptions)-1].Clone(), nil
}

// setDescriptions swaps the description history and journals the old one.
// Callers hold the root lock.
func (d *dataStore) setDescriptions(next []*model.Description) {
	prev := d.descriptions
	d.descriptions = next
	d.root.record(func() { d.descriptions = prev })
}

func (d *dataStore) StoreDescription(ctx context.Context, desc *model.Description) error {
	if desc == nil {
		return errors.NewValidation("description", "must not be nil")
	}

	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	next := slices.Clone(d.descriptions)
	i, found := slices.BinarySearchFunc(next, desc.ValidTime, func(e *model.Description, t float64) int {
		return cmp.Compare(e.ValidTime, t)
	})
	if found {
		next[i] = desc.Clone()
	} else {
		next = slices.Insert(next, i, desc.Clone())
	}
	d.setDescriptions(next)
	return nil
}

func (d *dataStore) UpdateDescription(ctx context.Context, desc *model.Description) error {
	if desc == nil {
		return errors.NewValidation("description", "must not be nil")
	}

	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	next := slices.Clone(d.descriptions)
	if len(next) == 0 {
		next = append(next, desc.Clone())
	} else {
		next[len(next)-1] = desc.Clone()
	}
	d.setDescriptions(next)
	return nil
}

func (d *dataStore) DescriptionHistory(ctx context.Context) ([]*model.Description, error) {
	d.root.mu.RLock()
	defer d.root.mu.RUnlock()

	out := make([]*model.Description, len(d.descriptions))
	for i, desc := range d.descriptions {
		out[i] = desc.Clone()
	}
	return out, nil
}

func (d *dataStore) RemoveDescriptionHistory(ctx context.Context, begin, end float64) (int, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()

	n := len(d.descriptions)
	next := make([]*model.Description, 0, n)
	for i, desc := range d.descriptions {
		expired := i < n-1 &&
			desc.ValidTime >= begin &&
			d.descriptions[i+1].ValidTime <= end
		if !expired {
			next = append(next, desc)
		}
	}

	removed := n - len(next)
	if removed > 0 {
		d.setDescriptions(next)
	}
	return removed, nil
}
