// Package database provides SQLite connectivity for the coop bridge.
//
// The database holds the device registry: a mirror of the last known
// Omlet devices plus a bounded state history. Nothing in it is needed to
// talk to the Omlet API; it exists so the REST API can answer while the
// cloud is unreachable.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Embedded schema migrations (see the migrations package)
//   - Connection pooling and lifecycle management
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql.
package database
