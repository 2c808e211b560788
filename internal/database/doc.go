// Package database opens the stores behind the session journal.
//
// Backends:
//   - PostgreSQL via a pgx connection pool
//   - SQLite via modernc.org/sqlite (pure Go, no cgo)
package database
