// Package storage is the durable job store behind the dispatcher.
//
// Every driver implements the same state machine (see transitions.go):
// replace-on-enqueue by unique key, atomic claim with a lease, reclaim of
// expired leases, claim-token guarded completion and failure, and
// cancellation of pending jobs only.
//
// Drivers:
//   - "memory":   process-local, for tests and ephemeral runs
//   - "file":     memory + JSONL journal + periodic snapshot
//   - "sqlite":   modernc.org/sqlite, single writer connection
//   - "postgres": pgx pool, FOR UPDATE SKIP LOCKED claims
package storage
