// Package registry provides SQLite-backed storage for the session index and
// device liveness.
//
// The registry holds two tables:
//   - sessions: one row per (instrument, session), refreshed on every
//     accepted fragment
//   - instruments: last time each device was heard from, by heartbeat or
//     fragment
//
// It is an index for browsing and monitoring only. Merge correctness never
// depends on it; the object store's control records remain authoritative.
//
// # Deterministic Query Results
//
// Every listing has a total order: sessions by refreshed_at DESC then
// session_id, instruments by instrument_id, all COLLATE BINARY.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - Single connection: SQLite allows one writer at a time
package registry
