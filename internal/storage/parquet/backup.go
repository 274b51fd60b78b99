package parquet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/codec"
)

// Row kinds.
const (
	KindDataStore   = "data_store"
	KindRecordStore = "record_store"
	KindRecord      = "record"
	KindDescription = "description"
	KindFoi         = "foi"
)

// Row is one entry of a backup file.
type Row struct {
	Kind      string  `parquet:"kind,dict"`
	Scope     string  `parquet:"scope,dict"`
	Store     string  `parquet:"store,dict"`
	Producer  string  `parquet:"producer,dict"`
	Foi       string  `parquet:"foi,dict"`
	Timestamp float64 `parquet:"ts"`
	Encoding  string  `parquet:"encoding,optional"`
	Data      []byte  `parquet:"data,zstd"`
}

// Stats counts the rows of a backup or restore by kind.
type Stats struct {
	DataStores   int
	RecordStores int
	Records      int
	Descriptions int
	Fois         int
}

// Total returns the number of rows.
func (s Stats) Total() int {
	return s.DataStores + s.RecordStores + s.Records + s.Descriptions + s.Fois
}

func (s *Stats) count(kind string) {
	switch kind {
	case KindDataStore:
		s.DataStores++
	case KindRecordStore:
		s.RecordStores++
	case KindRecord:
		s.Records++
	case KindDescription:
		s.Descriptions++
	case KindFoi:
		s.Fois++
	}
}

// ============================================================================
// Backup
// ============================================================================

// backupWriter batches rows into a Parquet writer.
type backupWriter struct {
	mu     sync.Mutex
	writer *parquet.GenericWriter[Row]
	batch  []Row
	size   int
	stats  Stats
}

func (w *backupWriter) add(row Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batch = append(w.batch, row)
	w.stats.count(row.Kind)
	if len(w.batch) >= w.size {
		return w.flushLocked()
	}
	return nil
}

func (w *backupWriter) flushLocked() error {
	if len(w.batch) == 0 {
		return nil
	}
	if _, err := w.writer.Write(w.batch); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.batch = w.batch[:0]
	return nil
}

func (w *backupWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Backup writes the committed and pending content of s to out.
func Backup(ctx context.Context, s storage.Storage, out io.Writer, opts Options) (Stats, error) {
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultOptions().RowGroupSize
	}

	w := &backupWriter{
		writer: parquet.NewGenericWriter[Row](out, parquet.Compression(getCompression(opts.Compression))),
		size:   opts.RowGroupSize,
	}

	if err := backupScope(ctx, s, "", w); err != nil {
		return w.stats, err
	}

	if fs, ok := s.(storage.FoiStorage); ok {
		it, err := fs.Fois(ctx, storage.FoiFilter{})
		if err != nil {
			return w.stats, errors.Wrap(err, "list features of interest")
		}
		for foi := range iterutil.Seq(it) {
			doc, err := json.Marshal(foi)
			if err != nil {
				return w.stats, err
			}
			if err := w.add(Row{Kind: KindFoi, Foi: foi.UID, Data: doc}); err != nil {
				return w.stats, err
			}
		}
	}

	if ms, ok := s.(storage.MultiSourceStorage); ok {
		ids, err := ms.ProducerIDs(ctx)
		if err != nil {
			return w.stats, errors.Wrap(err, "list data stores")
		}
		for _, uid := range ids {
			sub, err := ms.DataStore(ctx, uid)
			if err != nil {
				return w.stats, err
			}
			if err := w.add(Row{Kind: KindDataStore, Scope: uid}); err != nil {
				return w.stats, err
			}
			if err := backupScope(ctx, sub, uid, w); err != nil {
				return w.stats, err
			}
		}
	}

	return w.stats, w.close()
}

func backupScope(ctx context.Context, s storage.Storage, scope string, w *backupWriter) error {
	stores, err := s.RecordStores(ctx)
	if err != nil {
		return errors.Wrapf(err, "list record stores of %q", scope)
	}

	for _, name := range storage.SortedStoreNames(stores) {
		rs := stores[name]
		doc, err := json.Marshal(rs.Schema)
		if err != nil {
			return err
		}
		row := Row{Kind: KindRecordStore, Scope: scope, Store: name, Encoding: string(rs.Encoding), Data: doc}
		if err := w.add(row); err != nil {
			return err
		}
	}

	it, err := s.Records(ctx, storage.DataFilter{})
	if err != nil {
		return errors.Wrapf(err, "read records of %q", scope)
	}
	for e := range iterutil.Seq(it) {
		data, err := codec.Encode(e.Record)
		if err != nil {
			return errors.Wrapf(err, "encode record %s", e.Key)
		}
		row := Row{
			Kind:      KindRecord,
			Scope:     scope,
			Store:     e.Key.Output,
			Producer:  e.Key.ProducerUID,
			Foi:       e.Key.FoiUID,
			Timestamp: e.Key.Timestamp,
			Data:      data,
		}
		if err := w.add(row); err != nil {
			return err
		}
	}

	history, err := s.DescriptionHistory(ctx)
	if err != nil {
		return errors.Wrapf(err, "read descriptions of %q", scope)
	}
	for _, d := range history {
		doc, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := w.add(Row{Kind: KindDescription, Scope: scope, Timestamp: d.ValidTime, Data: doc}); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Restore
// ============================================================================

// Restore loads a backup of size bytes from in into s and commits.
// Existing record stores and sub-stores are reused.
func Restore(ctx context.Context, s storage.Storage, in io.ReaderAt, size int64) (Stats, error) {
	var stats Stats

	reader := parquet.NewGenericReader[Row](io.NewSectionReader(in, 0, size))
	defer reader.Close()

	scopes := map[string]storage.Storage{"": s}
	rows := make([]Row, 1024)

	for {
		n, readErr := reader.Read(rows)
		for i := 0; i < n; i++ {
			if err := restoreRow(ctx, s, scopes, rows[i]); err != nil {
				_ = s.Rollback(ctx)
				return stats, err
			}
			stats.count(rows[i].Kind)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = s.Rollback(ctx)
			return stats, fmt.Errorf("read rows: %w", readErr)
		}
	}

	return stats, s.Commit(ctx)
}

func scopeOf(ctx context.Context, root storage.Storage, scopes map[string]storage.Storage, uid string) (storage.Storage, error) {
	if sc, ok := scopes[uid]; ok {
		return sc, nil
	}

	ms, ok := root.(storage.MultiSourceStorage)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupported, "restore sub-store %q", uid)
	}

	sc, err := ms.DataStore(ctx, uid)
	if errors.IsNotFound(err) {
		sc, err = ms.AddDataStore(ctx, uid)
	}
	if err != nil {
		return nil, err
	}
	scopes[uid] = sc
	return sc, nil
}

func restoreRow(ctx context.Context, root storage.Storage, scopes map[string]storage.Storage, row Row) error {
	if row.Kind == KindFoi {
		fs, ok := root.(storage.FoiStorage)
		if !ok {
			return nil
		}
		foi := &model.Feature{}
		if err := json.Unmarshal(row.Data, foi); err != nil {
			return fmt.Errorf("%w: feature %s: %v", errors.ErrCorrupt, row.Foi, err)
		}
		return fs.StoreFoi(ctx, row.Producer, foi)
	}

	sc, err := scopeOf(ctx, root, scopes, row.Scope)
	if err != nil {
		return err
	}

	switch row.Kind {
	case KindDataStore:
		return nil

	case KindRecordStore:
		var schema model.Schema
		if err := json.Unmarshal(row.Data, &schema); err != nil {
			return fmt.Errorf("%w: schema of %s: %v", errors.ErrCorrupt, row.Store, err)
		}
		err := sc.AddRecordStore(ctx, row.Store, schema, model.Encoding(row.Encoding))
		if errors.Is(err, errors.ErrAlreadyExists) {
			return nil
		}
		return err

	case KindRecord:
		rec, err := codec.Decode(row.Data)
		if err != nil {
			return err
		}
		key := model.Key{Output: row.Store, ProducerUID: row.Producer, FoiUID: row.Foi, Timestamp: row.Timestamp}
		return sc.StoreRecord(ctx, key, rec)

	case KindDescription:
		d := &model.Description{}
		if err := json.Unmarshal(row.Data, d); err != nil {
			return fmt.Errorf("%w: description: %v", errors.ErrCorrupt, err)
		}
		return sc.StoreDescription(ctx, d)

	default:
		return fmt.Errorf("%w: unknown row kind %q", errors.ErrCorrupt, row.Kind)
	}
}
