// Package dtx implements the distributed-transaction driver: a per-dtx
// object that coordinates prepare, commit, and discard across every locking
// shard a dtx's batch touches. It fans out shard RPCs with
// errgroup and aggregates every shard's failure (not just the first) with
// go-multierror, and it invokes replication hooks before each phase so the
// coordinator can make the phase transition durable before it takes effect
// externally.
package dtx
