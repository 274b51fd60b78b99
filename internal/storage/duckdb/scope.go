package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
	"github.com/xtxerr/obshub/internal/storage/codec"
)

const rootScope = ""

// scope is the data of one producer: the root or a sub-store.
type scope struct {
	s  *Storage
	id string
}

// =============================================================================
// Record stores
// =============================================================================

func (sc *scope) storeExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM record_stores WHERE scope = ? AND name = ?`,
		sc.id, name).Scan(&n)
	return n > 0, err
}

func (sc *scope) requireStore(ctx context.Context, tx *sql.Tx, name string) error {
	ok, err := sc.storeExists(ctx, tx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFound("record store", name)
	}
	return nil
}

func (sc *scope) AddRecordStore(ctx context.Context, name string, schema model.Schema, enc model.Encoding) error {
	doc, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	return sc.s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := sc.storeExists(ctx, tx, name)
		if err != nil {
			return err
		}
		if ok {
			return errors.NewAlreadyExists("record store", name)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO record_stores (scope, name, schema, encoding) VALUES (?, ?, ?, ?)`,
			sc.id, name, string(doc), string(enc))
		return err
	})
}

func (sc *scope) RecordStores(ctx context.Context) (map[string]storage.RecordStore, error) {
	stores := make(map[string]storage.RecordStore)

	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT name, schema, encoding FROM record_stores WHERE scope = ?`, sc.id)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name, doc, enc string
			if err := rows.Scan(&name, &doc, &enc); err != nil {
				return err
			}

			var schema model.Schema
			if err := json.Unmarshal([]byte(doc), &schema); err != nil {
				return fmt.Errorf("%w: schema of %s: %v", errors.ErrCorrupt, name, err)
			}
			stores[name] = storage.RecordStore{Name: name, Schema: schema, Encoding: model.Encoding(enc)}
		}
		return rows.Err()
	})
	return stores, err
}

// =============================================================================
// Records
// =============================================================================

const keyPredicate = `scope = ? AND store = ? AND producer = ? AND foi = ? AND ts = ?`

func (sc *scope) keyArgs(k model.Key) []any {
	return []any{sc.id, k.Output, k.ProducerUID, k.FoiUID, k.Timestamp}
}

func (sc *scope) recordExists(ctx context.Context, tx *sql.Tx, k model.Key) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM records WHERE `+keyPredicate, sc.keyArgs(k)...).Scan(&n)
	return n > 0, err
}

func (sc *scope) put(ctx context.Context, tx *sql.Tx, k model.Key, data []byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE `+keyPredicate, sc.keyArgs(k)...); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (scope, store, producer, foi, ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
		append(sc.keyArgs(k), data)...)
	return err
}

func (sc *scope) StoreRecord(ctx context.Context, key model.Key, rec model.Record) error {
	data, err := codec.Encode(rec)
	if err != nil {
		return err
	}

	return sc.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sc.requireStore(ctx, tx, key.Output); err != nil {
			return err
		}
		return sc.put(ctx, tx, key, data)
	})
}

func (sc *scope) UpdateRecord(ctx context.Context, key model.Key, rec model.Record) error {
	data, err := codec.Encode(rec)
	if err != nil {
		return err
	}

	return sc.s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := sc.recordExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFound("record", key.String())
		}
		return sc.put(ctx, tx, key, data)
	})
}

func (sc *scope) RemoveRecord(ctx context.Context, key model.Key) error {
	return sc.s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := sc.recordExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFound("record", key.String())
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE `+keyPredicate, sc.keyArgs(key)...)
		return err
	})
}

func (sc *scope) Record(ctx context.Context, key model.Key) (model.Record, error) {
	var data []byte

	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT data FROM records WHERE `+keyPredicate, sc.keyArgs(key)...).Scan(&data)
		if err == sql.ErrNoRows {
			return errors.NewNotFound("record", key.String())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

// where renders filter as a predicate over the records table.
func (sc *scope) where(filter storage.DataFilter) (string, []any) {
	var b strings.Builder
	args := []any{sc.id}
	b.WriteString("scope = ?")

	in := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		b.WriteString(" AND " + col + " IN (")
		for i, v := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, v)
		}
		b.WriteString(")")
	}
	in("store", filter.Stores)
	in("producer", filter.ProducerUIDs)
	in("foi", filter.FoiUIDs)

	if tr := filter.TimeRange; tr != nil {
		b.WriteString(" AND ts >= ? AND ts < ?")
		args = append(args, tr.Begin, tr.End)
	}
	return b.String(), args
}

func (sc *scope) Records(ctx context.Context, filter storage.DataFilter) (iterutil.Iterator[storage.Entry], error) {
	pred, args := sc.where(filter)
	query := `SELECT store, producer, foi, ts, data FROM records WHERE ` + pred +
		` ORDER BY ts, store, producer`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var entries []storage.Entry
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				k    model.Key
				data []byte
			)
			if err := rows.Scan(&k.Output, &k.ProducerUID, &k.FoiUID, &k.Timestamp, &data); err != nil {
				return err
			}
			rec, err := codec.Decode(data)
			if err != nil {
				return err
			}
			entries = append(entries, storage.Entry{Key: k, Record: rec})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return iterutil.FromSlice(entries), nil
}

func (sc *scope) NumRecords(ctx context.Context, store string) (int, error) {
	var n int
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sc.requireStore(ctx, tx, store); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT count(*) FROM records WHERE scope = ? AND store = ?`, sc.id, store).Scan(&n)
	})
	return n, err
}

func (sc *scope) RecordsTimeRange(ctx context.Context, store string) (storage.TimeRange, bool, error) {
	var (
		begin, end sql.NullFloat64
	)
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sc.requireStore(ctx, tx, store); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT min(ts), max(ts) FROM records WHERE scope = ? AND store = ?`,
			sc.id, store).Scan(&begin, &end)
	})
	if err != nil || !begin.Valid {
		return storage.TimeRange{}, false, err
	}
	return storage.TimeRange{Begin: begin.Float64, End: end.Float64}, true, nil
}

func (sc *scope) RemoveRecords(ctx context.Context, filter storage.DataFilter) (int, error) {
	pred, args := sc.where(filter)

	var n int64
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE `+pred, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (sc *scope) Commit(ctx context.Context) error {
	return sc.s.commit()
}

func (sc *scope) Rollback(ctx context.Context) error {
	return sc.s.rollback()
}

// =============================================================================
// Descriptions
// =============================================================================

func (sc *scope) LatestDescription(ctx context.Context) (*model.Description, error) {
	var doc string
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT doc FROM descriptions WHERE scope = ? ORDER BY valid_time DESC LIMIT 1`,
			sc.id).Scan(&doc)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	if err != nil || doc == "" {
		return nil, err
	}
	return decodeDescription(doc)
}

func decodeDescription(doc string) (*model.Description, error) {
	d := &model.Description{}
	if err := json.Unmarshal([]byte(doc), d); err != nil {
		return nil, fmt.Errorf("%w: description: %v", errors.ErrCorrupt, err)
	}
	return d, nil
}

func (sc *scope) putDescription(ctx context.Context, tx *sql.Tx, d *model.Description) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode description: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM descriptions WHERE scope = ? AND valid_time = ?`, sc.id, d.ValidTime); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO descriptions (scope, valid_time, doc) VALUES (?, ?, ?)`,
		sc.id, d.ValidTime, string(doc))
	return err
}

func (sc *scope) StoreDescription(ctx context.Context, d *model.Description) error {
	if d == nil {
		return errors.NewValidation("description", "must not be nil")
	}
	return sc.s.withTx(ctx, func(tx *sql.Tx) error {
		return sc.putDescription(ctx, tx, d)
	})
}

func (sc *scope) UpdateDescription(ctx context.Context, d *model.Description) error {
	if d == nil {
		return errors.NewValidation("description", "must not be nil")
	}
	return sc.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM descriptions WHERE scope = ? AND valid_time = (
				SELECT max(valid_time) FROM descriptions WHERE scope = ?)`,
			sc.id, sc.id); err != nil {
			return err
		}
		return sc.putDescription(ctx, tx, d)
	})
}

func (sc *scope) DescriptionHistory(ctx context.Context) ([]*model.Description, error) {
	var docs []string
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT doc FROM descriptions WHERE scope = ? ORDER BY valid_time`, sc.id)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.Description, 0, len(docs))
	for _, doc := range docs {
		d, err := decodeDescription(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (sc *scope) RemoveDescriptionHistory(ctx context.Context, begin, end float64) (int, error) {
	removed := 0
	err := sc.s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT valid_time FROM descriptions WHERE scope = ? ORDER BY valid_time`, sc.id)
		if err != nil {
			return err
		}
		var times []float64
		for rows.Next() {
			var vt float64
			if err := rows.Scan(&vt); err != nil {
				rows.Close()
				return err
			}
			times = append(times, vt)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for i := 0; i < len(times)-1; i++ {
			if times[i] < begin || times[i+1] > end {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM descriptions WHERE scope = ? AND valid_time = ?`, sc.id, times[i]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
