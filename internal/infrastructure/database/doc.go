// Package database provides SQLite connectivity for the embedded record store.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - In-memory databases for tests and throwaway runs (MemoryPath)
//   - Schema migrations, embedded by the migrations package and applied in
//     version order, one transaction each
//   - Connection lifecycle and health checks
//
// The replica documents themselves live in per-type tables created by
// store/sqlite; the migrations here only create the bookkeeping tables.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
