// Package journal records the operational history of a realtime session.
//
// The Recorder listens to a connection and persists:
//   - Connection state transitions (with the error, if any)
//   - Subscription and unsubscription acknowledgements
//   - Gateway error frames
//
// Market data is never journaled. Entries are batched and written to a
// Store (SQLite or PostgreSQL) with append-only semantics.
package journal
