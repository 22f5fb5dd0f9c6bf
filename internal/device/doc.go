// Package device keeps a persistent mirror of the Omlet devices the bridge
// has seen.
//
// The coordinator's snapshot is the live source of truth and lives only in
// memory. This package records what outlives a restart: device metadata,
// the last observed entity state, health, and a local history of state
// changes.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────┐
//	│                      Device Registry                        │
//	│                                                             │
//	│  ┌──────────────────┐        ┌──────────────────────────┐   │
//	│  │     Registry     │───────▶│   Repository (SQLite)    │   │
//	│  │ • in-memory cache│        │ • devices table          │   │
//	│  │ • upsert seeds   │        └──────────────────────────┘   │
//	│  │ • state / health │        ┌──────────────────────────┐   │
//	│  │                  │───────▶│ StateHistoryRepository   │   │
//	│  └──────────────────┘        │ • state_history table    │   │
//	│                              └──────────────────────────┘   │
//	└────────────────────────────────────────────────────────────┘
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	history := device.NewSQLiteStateHistoryRepository(db.DB)
//	registry := device.NewRegistry(repo, history)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// Registry methods are safe for concurrent use. Devices returned from the
// registry are deep copies.
package device
