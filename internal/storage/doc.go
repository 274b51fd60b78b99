// Package storage defines the storage module contract of the observation
// hub and the registry of storage backends.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Producers  │────▶│  Event Bus  │────▶│  Ingestion  │
//	│ (registry)  │     │             │     │   Adapter   │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                                               │
//	                                               ▼
//	                    ┌─────────────┐     ┌─────────────┐
//	                    │  Retention  │────▶│   Storage   │
//	                    │  Scheduler  │     │   Backend   │
//	                    └─────────────┘     └─────────────┘
//
// A backend implements Module. It may additionally implement FoiStorage
// to persist features of interest and MultiSourceStorage to keep one
// sub-store per nested producer of a producer group.
//
// Backends register themselves by kind from an init function; Open
// instantiates the backend named by a Config:
//
//	import _ "github.com/xtxerr/obshub/internal/storage/memory"
//
//	mod, err := storage.Open(&storage.Config{Kind: "memory"})
package storage
