// Package objstore defines the conditional object store contract the session
// merge protocol is built on, together with its backends.
//
// Every write carries a Precondition:
//   - None: unconditional overwrite
//   - MustNotExist: create-only; fails if the key is present
//   - MustMatch(token): compare-and-swap; fails unless the stored object still
//     carries the token returned by the read that preceded the write
//
// A violated precondition is reported as ErrPreconditionFailed and is always
// distinguishable from transport or availability errors. Reads of absent keys
// report ErrNotFound. Delete is idempotent.
//
// # Backends
//
//   - Memory: process-local, used by tests and the "memory" config backend
//   - SQLite: single-file durable store with a token column (see schema.sql)
//   - S3: any S3-compatible endpoint supporting If-Match / If-None-Match on PUT
//
// Instrument wraps any backend with Prometheus latency observation.
package objstore
