// Package coordinator implements the settlement coordinator's control
// plane: CTX admission, batch cutting, and the distributed-transaction
// driver dispatch that drives a two-phase commit across UHS locking
// shards.
//
// # Overview
//
// A Controller admits compact transactions, accumulates them into a
// batch, and periodically cuts that batch to a background executor that
// runs an internal/dtx.Driver across the shards the batch touches. Phase
// transitions are replicated through the coordinator's own
// internal/coordstate state machine before they take effect, so a newly
// elected leader can resume any dtx it inherits mid-flight.
//
//	Submit(ctx) ──► admission (attestation check, dedup) ──► batch
//	                                                            │ batch_size or idle
//	                                                            ▼
//	                                                     executor pool
//	                                                            │
//	                                              dtx.Driver{prepare,commit,discard}
//	                                                            │
//	                                                  reply to each caller
//
// # Leadership
//
// OnBecomeLeader replays prepare_txs, commit_txs, and discard_txs from the
// replicated state machine and resumes each as a recovered driver before
// admitting new CTXs. OnBecomeFollower stops admitting; a caller blocked on
// the window condition variable observes rejection rather than hanging
// forever. cmd/coordinator wires these two methods to an
// internal/replog.LeadershipMonitor.
//
// # See also
//
//   - internal/dtx: the per-batch prepare/commit/discard driver
//   - internal/coordstate: the replicated prepare_txs/commit_txs/discard_txs sets
//   - internal/lockshard: the UHS locking shard a ShardClient talks to
package coordinator
