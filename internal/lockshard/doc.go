// Package lockshard implements the UHS locking shard: one process owns a
// contiguous prefix range of 32-byte UHS ids and exposes the three mutating
// operations (LockOutputs, ApplyOutputs, DiscardDtx) plus the two
// observational queries (CheckUnspent, CheckTxID) that the coordinator's
// distributed-transaction driver (internal/dtx) drives through prepare,
// commit, and discard.
//
// A single sync.RWMutex guards uhs/locked/spent/preparedDtxs/appliedDtxs; a
// second, independent mutex guards the completed-transaction FIFO cache.
package lockshard
