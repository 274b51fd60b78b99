package duckdb

import (
	"context"
	"database/sql"
	"slices"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/iterutil"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
)

// =============================================================================
// Sub-stores
// =============================================================================

func (s *Storage) dataStoreExists(ctx context.Context, tx *sql.Tx, uid string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM data_stores WHERE scope = ?`, uid).Scan(&n)
	return n > 0, err
}

// DataStore implements storage.MultiSourceStorage.
func (s *Storage) DataStore(ctx context.Context, uid string) (storage.Storage, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.dataStoreExists(ctx, tx, uid)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFound("data store", uid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &scope{s: s, id: uid}, nil
}

// AddDataStore implements storage.MultiSourceStorage.
func (s *Storage) AddDataStore(ctx context.Context, uid string) (storage.Storage, error) {
	if uid == rootScope {
		return nil, errors.NewValidation("data store", "uid is required")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.dataStoreExists(ctx, tx, uid)
		if err != nil {
			return err
		}
		if ok {
			return errors.NewAlreadyExists("data store", uid)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO data_stores (scope) VALUES (?)`, uid)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("data store added", "producer", uid)
	return &scope{s: s, id: uid}, nil
}

// ProducerIDs implements storage.MultiSourceStorage.
func (s *Storage) ProducerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT scope FROM data_stores ORDER BY scope`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// =============================================================================
// Features of interest
// =============================================================================

// StoreFoi implements storage.FoiStorage.
func (s *Storage) StoreFoi(ctx context.Context, producerUID string, foi *model.Feature) error {
	if foi == nil || foi.UID == "" {
		return errors.NewValidation("feature of interest", "uid is required")
	}

	var minX, minY, maxX, maxY sql.NullFloat64
	if loc := foi.Location; loc != nil {
		minX = sql.NullFloat64{Float64: loc.MinX, Valid: true}
		minY = sql.NullFloat64{Float64: loc.MinY, Valid: true}
		maxX = sql.NullFloat64{Float64: loc.MaxX, Valid: true}
		maxY = sql.NullFloat64{Float64: loc.MaxY, Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fois WHERE uid = ?`, foi.UID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fois (uid, producer, name, description, min_x, min_y, max_x, max_y)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			foi.UID, producerUID, foi.Name, foi.Description, minX, minY, maxX, maxY)
		return err
	})
}

// Fois implements storage.FoiStorage.
func (s *Storage) Fois(ctx context.Context, filter storage.FoiFilter) (iterutil.Iterator[*model.Feature], error) {
	var all []*model.Feature

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT uid, name, description, min_x, min_y, max_x, max_y FROM fois ORDER BY uid`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f                      model.Feature
				name, desc             sql.NullString
				minX, minY, maxX, maxY sql.NullFloat64
			)
			if err := rows.Scan(&f.UID, &name, &desc, &minX, &minY, &maxX, &maxY); err != nil {
				return err
			}
			f.Name, f.Description = name.String, desc.String
			if minX.Valid {
				f.Location = &model.BBox{MinX: minX.Float64, MinY: minY.Float64, MaxX: maxX.Float64, MaxY: maxY.Float64}
			}
			all = append(all, &f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return iterutil.Filter(iterutil.FromSlice(all), filter.Accept), nil
}

// FoiIDs implements storage.FoiStorage.
func (s *Storage) FoiIDs(ctx context.Context) ([]string, error) {
	it, err := s.Fois(ctx, storage.FoiFilter{})
	if err != nil {
		return nil, err
	}
	ids := iterutil.Collect(iterutil.Map(it, func(f *model.Feature) string { return f.UID }))
	slices.Sort(ids)
	return ids, nil
}

// NumFois implements storage.FoiStorage.
func (s *Storage) NumFois(ctx context.Context) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT count(*) FROM fois`).Scan(&n)
	})
	return n, err
}

// FoisSpatialExtent implements storage.FoiStorage.
func (s *Storage) FoisSpatialExtent(ctx context.Context) (model.BBox, error) {
	var minX, minY, maxX, maxY sql.NullFloat64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT min(min_x), min(min_y), max(max_x), max(max_y) FROM fois WHERE min_x IS NOT NULL`).
			Scan(&minX, &minY, &maxX, &maxY)
	})
	if err != nil || !minX.Valid {
		return model.EmptyBBox(), err
	}
	return model.BBox{MinX: minX.Float64, MinY: minY.Float64, MaxX: maxX.Float64, MaxY: maxY.Float64}, nil
}
