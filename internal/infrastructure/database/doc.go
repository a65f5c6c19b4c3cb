// Package database provides the SQLite persistence layer.
//
// The connection runs in WAL mode so state reads proceed alongside
// writes, with a single writer connection to match SQLite's locking
// model and a busy timeout to absorb contention. Schema migrations are
// embedded in the binary and applied at startup:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be nullable or carry
// defaults, columns are never dropped or renamed, and every migration
// ships both .up.sql and .down.sql. All queries use parameterised
// statements, and the database file is created 0600.
package database
