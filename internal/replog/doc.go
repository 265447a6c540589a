// Package replog wraps hashicorp/raft into the single replicated-log
// abstraction shared by the coordinator's phase state machine
// (internal/coordstate) and the runtime locking shard's ticket log
// (internal/runtimeshard). Both callers only need three things from a
// replicated log: append a command and learn its durable result (Apply),
// learn when this node becomes or stops being leader (LeaderCh), and shut
// down cleanly. Everything else — elections, snapshotting, log compaction —
// is raft's problem.
package replog
