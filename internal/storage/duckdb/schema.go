package duckdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Keys are not declared as constraints: DuckDB rejects deleting and
// re-inserting the same key inside one transaction. Uniqueness is kept by
// deleting before inserting.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS data_stores (
		scope VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record_stores (
		scope    VARCHAR NOT NULL,
		name     VARCHAR NOT NULL,
		schema   VARCHAR NOT NULL,
		encoding VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		scope    VARCHAR NOT NULL,
		store    VARCHAR NOT NULL,
		producer VARCHAR NOT NULL,
		foi      VARCHAR NOT NULL,
		ts       DOUBLE NOT NULL,
		data     BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS records_ts ON records (scope, store, ts)`,
	`CREATE TABLE IF NOT EXISTS descriptions (
		scope      VARCHAR NOT NULL,
		valid_time DOUBLE NOT NULL,
		doc        VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fois (
		uid         VARCHAR NOT NULL,
		producer    VARCHAR NOT NULL,
		name        VARCHAR,
		description VARCHAR,
		min_x       DOUBLE,
		min_y       DOUBLE,
		max_x       DOUBLE,
		max_y       DOUBLE
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
