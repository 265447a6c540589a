// Package coordstate implements the coordinator's replicated state
// machine: the durable record of which dtxs are in prepare_txs, commit_txs,
// or discard_txs, replicated via internal/replog (hashicorp/raft) so a new
// leader can recover every in-flight distributed transaction after an
// election. It is a raft.FSM; internal/coordinator drives it
// through Apply and reads its sets back via the get command on election.
package coordstate
