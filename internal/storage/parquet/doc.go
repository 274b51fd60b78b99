// Package parquet backs up and restores storage modules as Parquet files.
//
// A backup is a single Parquet file of Row values. Every row carries a
// kind: record store definitions, records, descriptions, features of
// interest and sub-store markers. Record values are stored in their
// protobuf encoding; schemas, descriptions and features as JSON.
//
// The package provides:
//   - Backup/Restore over any storage.Storage
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package parquet
