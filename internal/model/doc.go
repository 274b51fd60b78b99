// Package model defines the entities the storage hub moves around:
// producers and their outputs, records and their schemas, features of
// interest, producer descriptions and storage keys.
//
// Producers and outputs are owned by the producer subsystem; storage and
// ingestion code only reads them.
package model
