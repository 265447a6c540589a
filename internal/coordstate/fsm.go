package coordstate

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/hashicorp/raft"

	"github.com/dreamware/settle/internal/logging"
	"github.com/dreamware/settle/internal/txtypes"
)

// GetResult is CmdGet's response: everything the new leader needs to
// reconstruct a Driver for each in-flight dtx (internal/dtx.RecoverPrepare,
// RecoverCommit, RecoverDiscard).
type GetResult struct {
	PrepareTxs map[txtypes.DtxID]*txtypes.Dtx
	CommitTxs  map[txtypes.DtxID]*txtypes.Dtx
	DiscardTxs []txtypes.DtxID

	// DiscardRecords carries the batch/shard-index a discard_txs entry needs
	// for recovery (RecoverDiscard still has to know which shards to call
	// discard_dtx on). discard_txs itself is a bare dtx_id set;
	// this is reconstructed from the same record prepare/commit already
	// populated, kept alive until done rather than duplicated into the set.
	DiscardRecords map[txtypes.DtxID]*txtypes.Dtx
}

// FSM is the coordinator's raft.FSM: an in-memory index over the three
// durable phase sets, kept consistent with the replicated log
// by Apply.
type FSM struct {
	logger log.Logger

	mu         sync.RWMutex
	prepareTxs map[txtypes.DtxID]*txtypes.Dtx
	commitTxs  map[txtypes.DtxID]*txtypes.Dtx
	discardTxs map[txtypes.DtxID]struct{}

	// records retains each dtx's batch/shard-index from prepare through
	// done, independent of which of the three sets currently names it, so
	// a discard_txs entry can still be turned into a recovery Driver.
	records map[txtypes.DtxID]*txtypes.Dtx
}

// New creates an empty FSM. logger is used only to report fatal protocol
// violations before the process exits.
func New(logger log.Logger) *FSM {
	return &FSM{
		logger:     logger,
		prepareTxs: make(map[txtypes.DtxID]*txtypes.Dtx),
		commitTxs:  make(map[txtypes.DtxID]*txtypes.Dtx),
		discardTxs: make(map[txtypes.DtxID]struct{}),
		records:    make(map[txtypes.DtxID]*txtypes.Dtx),
	}
}

// Apply implements raft.FSM. Invariant violations (duplicate prepare, commit
// without prepare, discard without commit, done without discard) are fatal:
// they indicate a core bug, and a replayed log reproduces the exact
// divergence on every peer rather than silently diverging state.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		logging.Fatalf(f.logger, "coordstate: corrupt log entry", "err", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CmdPrepare:
		if _, dup := f.prepareTxs[cmd.DtxID]; dup {
			logging.Fatalf(f.logger, "duplicate prepare", "dtx_id", cmd.DtxID.String())
		}
		dtx := &txtypes.Dtx{
			ID:         cmd.DtxID,
			Batch:      cmd.Batch,
			ShardIndex: cmd.ShardIndex,
			Phase:      txtypes.PhasePrepare,
		}
		f.prepareTxs[cmd.DtxID] = dtx
		f.records[cmd.DtxID] = dtx
		return nil

	case CmdCommit:
		dtx, ok := f.prepareTxs[cmd.DtxID]
		if !ok {
			logging.Fatalf(f.logger, "commit without prepare", "dtx_id", cmd.DtxID.String())
		}
		delete(f.prepareTxs, cmd.DtxID)
		dtx.Complete = cmd.Complete
		dtx.Phase = txtypes.PhaseCommit
		f.commitTxs[cmd.DtxID] = dtx
		return nil

	case CmdDiscard:
		dtx, ok := f.commitTxs[cmd.DtxID]
		if !ok {
			logging.Fatalf(f.logger, "discard without commit", "dtx_id", cmd.DtxID.String())
		}
		delete(f.commitTxs, cmd.DtxID)
		dtx.Phase = txtypes.PhaseDiscard
		f.discardTxs[cmd.DtxID] = struct{}{}
		return nil

	case CmdDone:
		if _, ok := f.discardTxs[cmd.DtxID]; !ok {
			logging.Fatalf(f.logger, "done without discard", "dtx_id", cmd.DtxID.String())
		}
		delete(f.discardTxs, cmd.DtxID)
		delete(f.records, cmd.DtxID)
		return nil

	case CmdGet:
		return f.snapshotSetsLocked()

	default:
		logging.Fatalf(f.logger, "unknown command type", "type", cmd.Type)
		return nil
	}
}

func (f *FSM) snapshotSetsLocked() GetResult {
	result := GetResult{
		PrepareTxs:     make(map[txtypes.DtxID]*txtypes.Dtx, len(f.prepareTxs)),
		CommitTxs:      make(map[txtypes.DtxID]*txtypes.Dtx, len(f.commitTxs)),
		DiscardTxs:     make([]txtypes.DtxID, 0, len(f.discardTxs)),
		DiscardRecords: make(map[txtypes.DtxID]*txtypes.Dtx, len(f.discardTxs)),
	}
	for id, dtx := range f.prepareTxs {
		result.PrepareTxs[id] = dtx
	}
	for id, dtx := range f.commitTxs {
		result.CommitTxs[id] = dtx
	}
	for id := range f.discardTxs {
		result.DiscardTxs = append(result.DiscardTxs, id)
		if dtx, ok := f.records[id]; ok {
			result.DiscardRecords[id] = dtx
		}
	}
	return result
}

// Get returns the current sets without going through the log — used only
// by tests and by a leader that wants a non-replicated read of its own
// state. Leader recovery issues the CmdGet command through Apply
// instead, so the read is linearized with any concurrent writes.
func (f *FSM) Get() GetResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotSetsLocked()
}

// Snapshot implements raft.FSM with a gob-encoded copy of the phase sets.
// internal/replog keeps raft's default snapshotting, so raft may take one
// and compact the log; a restarted node then rebuilds the sets from it via
// Restore and replays only the entries after it.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{result: f.snapshotSetsLocked()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var result GetResult
	if err := decodeGetResult(rc, &result); err != nil {
		return fmt.Errorf("coordstate: restore snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareTxs = result.PrepareTxs
	if f.prepareTxs == nil {
		f.prepareTxs = make(map[txtypes.DtxID]*txtypes.Dtx)
	}
	f.commitTxs = result.CommitTxs
	if f.commitTxs == nil {
		f.commitTxs = make(map[txtypes.DtxID]*txtypes.Dtx)
	}
	f.discardTxs = make(map[txtypes.DtxID]struct{}, len(result.DiscardTxs))
	for _, id := range result.DiscardTxs {
		f.discardTxs[id] = struct{}{}
	}

	f.records = make(map[txtypes.DtxID]*txtypes.Dtx, len(f.prepareTxs)+len(f.commitTxs)+len(result.DiscardRecords))
	for id, dtx := range f.prepareTxs {
		f.records[id] = dtx
	}
	for id, dtx := range f.commitTxs {
		f.records[id] = dtx
	}
	for id, dtx := range result.DiscardRecords {
		f.records[id] = dtx
	}
	return nil
}

type fsmSnapshot struct {
	result GetResult
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := encodeGetResult(sink, s.result); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("coordstate: persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
