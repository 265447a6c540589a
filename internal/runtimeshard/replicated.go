package runtimeshard

import (
	"time"

	"github.com/dreamware/settle/internal/replog"
)

// ReplicatedShard composes a Shard with the replog.Log that durably
// records its prepare/commit/finish transitions. cmd/runtimeshard does not
// construct one: it replicates through RegisterHandlers, which takes the
// log directly. Unit tests that don't need raft exercise Shard directly via
// ApplyPrepare/ApplyCommit/ApplyFinish.
type ReplicatedShard struct {
	*Shard
	log     *replog.Log
	timeout time.Duration
}

// NewReplicated wraps shard with log, replicating every Prepare/Commit/
// Finish call before it returns.
func NewReplicated(shard *Shard, log *replog.Log, timeout time.Duration) *ReplicatedShard {
	return &ReplicatedShard{Shard: shard, log: log, timeout: timeout}
}

// Prepare replicates and applies the prepare operation.
func (r *ReplicatedShard) Prepare(ticketNum uint64, broker string, stateUpdate map[string][]byte) (LockError, error) {
	cmd := Command{Type: CmdPrepare, Ticket: ticketNum, Broker: broker, StateUpdate: stateUpdate}
	data, err := cmd.Encode()
	if err != nil {
		return ErrInternal, err
	}
	resp, err := r.log.Apply(data, r.timeout)
	if err != nil {
		return ErrInternal, err
	}
	return resp.(LockError), nil
}

// Commit replicates and applies the commit operation.
func (r *ReplicatedShard) Commit(ticketNum uint64) (LockError, error) {
	cmd := Command{Type: CmdCommit, Ticket: ticketNum}
	data, err := cmd.Encode()
	if err != nil {
		return ErrInternal, err
	}
	resp, err := r.log.Apply(data, r.timeout)
	if err != nil {
		return ErrInternal, err
	}
	return resp.(LockError), nil
}

// Finish replicates and applies the finish operation.
func (r *ReplicatedShard) Finish(ticketNum uint64) (LockError, error) {
	cmd := Command{Type: CmdFinish, Ticket: ticketNum}
	data, err := cmd.Encode()
	if err != nil {
		return ErrInternal, err
	}
	resp, err := r.log.Apply(data, r.timeout)
	if err != nil {
		return ErrInternal, err
	}
	return resp.(LockError), nil
}
