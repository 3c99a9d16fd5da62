// Package database provides SQLite connectivity for Device Hub Core.
//
// It wraps database/sql with:
//   - Connection setup (WAL mode, busy timeout, foreign keys)
//   - Embedded schema migrations applied at startup
//   - Health checks for the supervisor loop
//
// SQLite is configured with a single writer connection; the entity store
// serialises appends per device above this layer, so the pool size of one
// is not a throughput bottleneck for the distribution engine.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil { ... }
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil { ... }
package database
