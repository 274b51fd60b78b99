package storage

import (
	"context"
	"maps"
	"slices"

	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/model"
)

// RecordStore describes one named record store, usually one per output.
type RecordStore struct {
	Name     string
	Schema   model.Schema
	Encoding model.Encoding
}

// Entry is a stored record with its key.
type Entry struct {
	Key    model.Key
	Record model.Record
}

// TimeRange is a range of epoch seconds.
type TimeRange struct {
	Begin float64
	End   float64
}

// Storage is the record and description store of one producer.
//
// Writes are buffered until Commit. Implementations must be safe for
// concurrent use: the write path and the retention sweep call into the
// same storage from different goroutines.
type Storage interface {
	// AddRecordStore creates a record store. It fails with
	// errors.ErrAlreadyExists when the name is taken.
	AddRecordStore(ctx context.Context, name string, schema model.Schema, enc model.Encoding) error
	RecordStores(ctx context.Context) (map[string]RecordStore, error)

	StoreRecord(ctx context.Context, key model.Key, rec model.Record) error
	UpdateRecord(ctx context.Context, key model.Key, rec model.Record) error
	RemoveRecord(ctx context.Context, key model.Key) error

	// Record returns the record stored under key or errors.ErrNotFound.
	Record(ctx context.Context, key model.Key) (model.Record, error)

	// Records iterates over matching records in time order.
	Records(ctx context.Context, filter DataFilter) (iterutil.Iterator[Entry], error)
	NumRecords(ctx context.Context, store string) (int, error)

	// RecordsTimeRange returns the inclusive time range of the records of
	// store. ok is false when the store holds no records.
	RecordsTimeRange(ctx context.Context, store string) (tr TimeRange, ok bool, err error)

	// RemoveRecords deletes matching records and returns their count.
	RemoveRecords(ctx context.Context, filter DataFilter) (int, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// LatestDescription returns the most recent description, or nil when
	// none was stored.
	LatestDescription(ctx context.Context) (*model.Description, error)
	StoreDescription(ctx context.Context, d *model.Description) error

	// UpdateDescription replaces the latest description.
	UpdateDescription(ctx context.Context, d *model.Description) error
	DescriptionHistory(ctx context.Context) ([]*model.Description, error)

	// RemoveDescriptionHistory deletes the descriptions whose validity
	// period, from their valid time up to the valid time of the next
	// description, lies within [begin, end]. The latest description is
	// never removed.
	RemoveDescriptionHistory(ctx context.Context, begin, end float64) (int, error)
}

// FoiStorage is implemented by storages that persist features of interest.
type FoiStorage interface {
	StoreFoi(ctx context.Context, producerUID string, foi *model.Feature) error
	Fois(ctx context.Context, filter FoiFilter) (iterutil.Iterator[*model.Feature], error)
	FoiIDs(ctx context.Context) ([]string, error)
	NumFois(ctx context.Context) (int, error)

	// FoisSpatialExtent returns the union of every FOI location.
	FoisSpatialExtent(ctx context.Context) (model.BBox, error)
}

// MultiSourceStorage is implemented by storages keeping one sub-store per
// nested producer of a producer group.
type MultiSourceStorage interface {
	// DataStore returns the sub-store of uid or errors.ErrNotFound.
	DataStore(ctx context.Context, uid string) (Storage, error)

	// AddDataStore creates the sub-store of uid. It fails with
	// errors.ErrAlreadyExists when one exists.
	AddDataStore(ctx context.Context, uid string) (Storage, error)
	ProducerIDs(ctx context.Context) ([]string, error)
}

// Module is a storage with a lifecycle.
type Module interface {
	Storage

	Start(ctx context.Context) error
	Stop() error
}

// IsMultiSource reports whether s supports sub-stores.
func IsMultiSource(s Storage) bool {
	_, ok := s.(MultiSourceStorage)
	return ok
}

// SupportsFois reports whether s persists features of interest.
func SupportsFois(s Storage) bool {
	_, ok := s.(FoiStorage)
	return ok
}

// SortedStoreNames returns the record store names of stores in order.
func SortedStoreNames(stores map[string]RecordStore) []string {
	return slices.Sorted(maps.Keys(stores))
}
