package ingestion

import (
	"context"
	"io"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/parquet"
)

var (
	_ storage.Module             = (*Adapter)(nil)
	_ storage.FoiStorage         = (*Adapter)(nil)
	_ storage.MultiSourceStorage = (*Adapter)(nil)
)

// ModuleState is the state reported by the adapter as a module.
type ModuleState int

const (
	ModuleStopped ModuleState = iota
	ModuleWaitingForData
	ModuleStarted
)

func (s ModuleState) String() string {
	switch s {
	case ModuleWaitingForData:
		return "waiting_for_data"
	case ModuleStarted:
		return "started"
	default:
		return "stopped"
	}
}

// State reports ModuleStarted once the storage holds a producer
// description and ModuleWaitingForData before that.
func (a *Adapter) State(ctx context.Context) ModuleState {
	s, err := a.started()
	if err != nil {
		return ModuleStopped
	}
	d, err := s.LatestDescription(ctx)
	if err != nil || d == nil {
		return ModuleWaitingForData
	}
	return ModuleStarted
}

// started returns the underlying storage or ErrNotStarted. The storage
// counts as started only once its own Start has returned.
func (a *Adapter) started() (storage.Module, error) {
	if !a.running.Load() || !a.storeOnce.Done() {
		return nil, errors.Wrapf(errors.ErrNotStarted, "stream storage %s", a.cfg.Name)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.store == nil {
		return nil, errors.Wrapf(errors.ErrNotStarted, "stream storage %s", a.cfg.Name)
	}
	return a.store, nil
}

// Underlying returns the wrapped storage module, nil before the first
// start.
func (a *Adapter) Underlying() storage.Module {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.store
}

// IsMultiSource reports whether the underlying storage supports sub-stores.
func (a *Adapter) IsMultiSource() bool {
	return a.isMultiSource()
}

// IsReadSupported reports whether records can be read back.
func (a *Adapter) IsReadSupported() bool {
	return a.running.Load()
}

// SupportsFois reports whether the underlying storage persists FOIs.
func (a *Adapter) SupportsFois() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return storage.SupportsFois(a.store)
}

// ============================================================================
// Storage
// ============================================================================

// AddRecordStore creates the record store unless it already exists.
func (a *Adapter) AddRecordStore(ctx context.Context, name string, schema model.Schema, enc model.Encoding) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	stores, err := s.RecordStores(ctx)
	if err != nil {
		return err
	}
	if _, ok := stores[name]; ok {
		return nil
	}
	return s.AddRecordStore(ctx, name, schema, enc)
}

func (a *Adapter) RecordStores(ctx context.Context) (map[string]storage.RecordStore, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	return s.RecordStores(ctx)
}

func (a *Adapter) StoreRecord(ctx context.Context, key model.Key, rec model.Record) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.StoreRecord(ctx, key, rec)
}

func (a *Adapter) UpdateRecord(ctx context.Context, key model.Key, rec model.Record) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.UpdateRecord(ctx, key, rec)
}

func (a *Adapter) RemoveRecord(ctx context.Context, key model.Key) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.RemoveRecord(ctx, key)
}

func (a *Adapter) Record(ctx context.Context, key model.Key) (model.Record, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	return s.Record(ctx, key)
}

func (a *Adapter) Records(ctx context.Context, filter storage.DataFilter) (iterutil.Iterator[storage.Entry], error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	return s.Records(ctx, filter)
}

func (a *Adapter) NumRecords(ctx context.Context, store string) (int, error) {
	s, err := a.started()
	if err != nil {
		return 0, err
	}
	return s.NumRecords(ctx, store)
}

func (a *Adapter) RecordsTimeRange(ctx context.Context, store string) (storage.TimeRange, bool, error) {
	s, err := a.started()
	if err != nil {
		return storage.TimeRange{}, false, err
	}
	return s.RecordsTimeRange(ctx, store)
}

func (a *Adapter) RemoveRecords(ctx context.Context, filter storage.DataFilter) (int, error) {
	s, err := a.started()
	if err != nil {
		return 0, err
	}
	return s.RemoveRecords(ctx, filter)
}

func (a *Adapter) Commit(ctx context.Context) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.Commit(ctx)
}

func (a *Adapter) Rollback(ctx context.Context) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.Rollback(ctx)
}

func (a *Adapter) LatestDescription(ctx context.Context) (*model.Description, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	return s.LatestDescription(ctx)
}

func (a *Adapter) StoreDescription(ctx context.Context, d *model.Description) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.StoreDescription(ctx, d)
}

func (a *Adapter) UpdateDescription(ctx context.Context, d *model.Description) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	return s.UpdateDescription(ctx, d)
}

func (a *Adapter) DescriptionHistory(ctx context.Context) ([]*model.Description, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	return s.DescriptionHistory(ctx)
}

// DescriptionAt returns the description valid at t, or nil when t
// precedes every stored description.
func (a *Adapter) DescriptionAt(ctx context.Context, t float64) (*model.Description, error) {
	history, err := a.DescriptionHistory(ctx)
	if err != nil {
		return nil, err
	}
	var found *model.Description
	for _, d := range history {
		if d.ValidTime > t {
			break
		}
		found = d
	}
	return found, nil
}

func (a *Adapter) RemoveDescriptionHistory(ctx context.Context, begin, end float64) (int, error) {
	s, err := a.started()
	if err != nil {
		return 0, err
	}
	return s.RemoveDescriptionHistory(ctx, begin, end)
}

// ============================================================================
// Features of interest
// ============================================================================

// StoreFoi is a no-op when the underlying storage keeps no FOIs.
func (a *Adapter) StoreFoi(ctx context.Context, producerUID string, foi *model.Feature) error {
	s, err := a.started()
	if err != nil {
		return err
	}
	if fs, ok := s.(storage.FoiStorage); ok {
		return fs.StoreFoi(ctx, producerUID, foi)
	}
	return nil
}

func (a *Adapter) Fois(ctx context.Context, filter storage.FoiFilter) (iterutil.Iterator[*model.Feature], error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	if fs, ok := s.(storage.FoiStorage); ok {
		return fs.Fois(ctx, filter)
	}
	return iterutil.Empty[*model.Feature](), nil
}

func (a *Adapter) FoiIDs(ctx context.Context) ([]string, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	if fs, ok := s.(storage.FoiStorage); ok {
		return fs.FoiIDs(ctx)
	}
	return []string{}, nil
}

func (a *Adapter) NumFois(ctx context.Context) (int, error) {
	s, err := a.started()
	if err != nil {
		return 0, err
	}
	if fs, ok := s.(storage.FoiStorage); ok {
		return fs.NumFois(ctx)
	}
	return 0, nil
}

func (a *Adapter) FoisSpatialExtent(ctx context.Context) (model.BBox, error) {
	s, err := a.started()
	if err != nil {
		return model.BBox{}, err
	}
	if fs, ok := s.(storage.FoiStorage); ok {
		return fs.FoisSpatialExtent(ctx)
	}
	return model.EmptyBBox(), nil
}

// CurrentFoi returns the current FOI of producerUID as known to the write
// path.
func (a *Adapter) CurrentFoi(producerUID string) (string, bool) {
	v, ok := a.fois.Load(producerUID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ============================================================================
// Multi-source
// ============================================================================

// DataStore returns ErrNotFound when the underlying storage keeps no
// sub-stores.
func (a *Adapter) DataStore(ctx context.Context, uid string) (storage.Storage, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	if ms, ok := s.(storage.MultiSourceStorage); ok {
		return ms.DataStore(ctx, uid)
	}
	return nil, errors.NewNotFound("data store", uid)
}

func (a *Adapter) AddDataStore(ctx context.Context, uid string) (storage.Storage, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	if ms, ok := s.(storage.MultiSourceStorage); ok {
		return ms.AddDataStore(ctx, uid)
	}
	return nil, errors.Wrapf(errors.ErrUnsupported, "storage %s has no data stores", a.cfg.Name)
}

func (a *Adapter) ProducerIDs(ctx context.Context) ([]string, error) {
	s, err := a.started()
	if err != nil {
		return nil, err
	}
	if ms, ok := s.(storage.MultiSourceStorage); ok {
		return ms.ProducerIDs(ctx)
	}
	return []string{}, nil
}

// ============================================================================
// Backup
// ============================================================================

func (a *Adapter) backupOptions() parquet.Options {
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(a.cfg.Backup.Compression)
	if a.cfg.Backup.RowGroupSize > 0 {
		opts.RowGroupSize = a.cfg.Backup.RowGroupSize
	}
	return opts
}

// Backup writes the whole storage to w as a Parquet file.
func (a *Adapter) Backup(ctx context.Context, w io.Writer) (parquet.Stats, error) {
	s, err := a.started()
	if err != nil {
		return parquet.Stats{}, err
	}
	stats, err := parquet.Backup(ctx, s, w, a.backupOptions())
	if err != nil {
		return stats, errors.Wrapf(err, "backup %s", a.cfg.Name)
	}
	a.logger.Info("backup written", "rows", stats.Total())
	return stats, nil
}

// Restore loads a Parquet backup. The restore is committed as a whole or
// rolled back.
func (a *Adapter) Restore(ctx context.Context, r io.ReaderAt, size int64) (parquet.Stats, error) {
	s, err := a.started()
	if err != nil {
		return parquet.Stats{}, err
	}
	stats, err := parquet.Restore(ctx, s, r, size)
	if err != nil {
		return stats, errors.Wrapf(err, "restore %s", a.cfg.Name)
	}
	a.logger.Info("backup restored", "rows", stats.Total())
	return stats, nil
}
