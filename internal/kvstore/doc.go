// Package kvstore defines the pluggable key/value storage interface used by
// the runtime locking shard (internal/runtimeshard) to hold committed key
// state. The UHS locking shard's optional snapshots write to pebble directly
// and do not go through Store.
//
// Store keeps the same narrow contract (Get/Put/Delete/List/Stats)
// regardless of backend, plus a durable implementation backed by
// cockroachdb/pebble for deployments that want committed state to survive a
// process restart without waiting on a full raft log replay.
package kvstore
