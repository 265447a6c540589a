// Package runtimeshard implements the runtime locking shard: a per-key
// read/write lock table with wound-wait deadlock avoidance and a
// three-phase commit protocol for tickets. It is a full lock
// manager sitting in front of the pluggable internal/kvstore.Store
// interface — the repository's general-purpose concurrent key/value
// execution layer is this package plus internal/kvstore.
//
// try_lock and rollback are purely in-memory lock-table operations.
// prepare, commit, and finish additionally replicate through
// internal/replog (hashicorp/raft), so a new leader can recover prepared
// tickets' pending writes and committed values after a crash.
package runtimeshard
