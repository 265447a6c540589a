package dtx

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/settle/internal/txtypes"
)

// LockingShard is the boundary a Driver talks across to reach one UHS
// locking shard. internal/lockshard.Shard implements it directly for
// in-process tests; a production coordinator wires in an RPC client that
// implements the same interface over internal/rpcconn.
type LockingShard interface {
	LockOutputs(dtxID txtypes.DtxID, slice []txtypes.CTX) ([]bool, error)
	ApplyOutputs(dtxID txtypes.DtxID, complete []bool) error
	DiscardDtx(dtxID txtypes.DtxID) error
}

// Hooks are invoked before each phase's externally-visible effect, giving
// the coordinator a chance to replicate the phase intent to its own log
// first. A hook returning an error fails the dtx.
type Hooks struct {
	OnPrepare func(batch []txtypes.CTX) error
	OnCommit  func(complete []bool, shardIndex map[byte][]int) error
	OnDiscard func() error
	OnDone    func() error
}

// Driver runs one dtx's phases against the shards it participates in.
type Driver struct {
	dtxID      txtypes.DtxID
	batch      []txtypes.CTX
	shardIndex map[byte][]int
	shards     map[byte]LockingShard
	hooks      Hooks

	phase    txtypes.Phase
	complete []bool

	skipPrepareHook bool
	skipCommitHook  bool
	skipDiscardHook bool
}

// New constructs a fresh driver for a dtx that has not yet entered prepare.
func New(dtxID txtypes.DtxID, batch []txtypes.CTX, shardIndex map[byte][]int, shards map[byte]LockingShard, hooks Hooks) *Driver {
	return &Driver{
		dtxID:      dtxID,
		batch:      batch,
		shardIndex: shardIndex,
		shards:     shards,
		hooks:      hooks,
		phase:      txtypes.PhaseStart,
	}
}

// RecoverPrepare resumes a dtx found in the coordinator's prepare_txs set:
// the prepare command is already durable, so Prepare() must not replicate
// it again.
func RecoverPrepare(dtxID txtypes.DtxID, batch []txtypes.CTX, shardIndex map[byte][]int, shards map[byte]LockingShard, hooks Hooks) *Driver {
	d := New(dtxID, batch, shardIndex, shards, hooks)
	d.skipPrepareHook = true
	return d
}

// RecoverCommit resumes a dtx found in commit_txs, with its already-durable
// complete[] vector.
func RecoverCommit(dtxID txtypes.DtxID, batch []txtypes.CTX, shardIndex map[byte][]int, shards map[byte]LockingShard, hooks Hooks, complete []bool) *Driver {
	d := New(dtxID, batch, shardIndex, shards, hooks)
	d.phase = txtypes.PhasePrepare
	d.complete = complete
	d.skipCommitHook = true
	return d
}

// RecoverDiscard resumes a dtx found in discard_txs.
func RecoverDiscard(dtxID txtypes.DtxID, batch []txtypes.CTX, shardIndex map[byte][]int, shards map[byte]LockingShard, hooks Hooks, complete []bool) *Driver {
	d := New(dtxID, batch, shardIndex, shards, hooks)
	d.phase = txtypes.PhaseCommit
	d.complete = complete
	d.skipDiscardHook = true
	return d
}

// DtxID returns the driver's dtx identifier.
func (d *Driver) DtxID() txtypes.DtxID { return d.dtxID }

// Phase returns the driver's current phase.
func (d *Driver) Phase() txtypes.Phase { return d.phase }

// Complete returns the merged per-CTX completion bitmap produced by
// Prepare; it is nil before Prepare runs.
func (d *Driver) Complete() []bool { return d.complete }

// fanOut runs work once per participating shard concurrently and returns an
// aggregated error naming every shard that failed, or nil if all succeeded.
func (d *Driver) fanOut(work func(shardKey byte, shard LockingShard) error) error {
	var mu sync.Mutex
	var merr *multierror.Error
	var g errgroup.Group

	for k, sh := range d.shards {
		k, sh := k, sh
		g.Go(func() error {
			if err := work(k, sh); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("shard %#x: %w", k, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

func (d *Driver) shardSlice(shardKey byte) []txtypes.CTX {
	idxs := d.shardIndex[shardKey]
	slice := make([]txtypes.CTX, len(idxs))
	for j, idx := range idxs {
		slice[j] = d.batch[idx]
	}
	return slice
}

// Prepare fans out lock_outputs to every participating shard and merges
// the returned bitmaps into the per-CTX completion vector.
func (d *Driver) Prepare() ([]bool, error) {
	if !d.skipPrepareHook && d.hooks.OnPrepare != nil {
		if err := d.hooks.OnPrepare(d.batch); err != nil {
			d.phase = txtypes.PhaseFailed
			return nil, fmt.Errorf("dtx: on_prepare hook: %w", err)
		}
	}
	d.phase = txtypes.PhasePrepare

	complete := make([]bool, len(d.batch))
	for i := range complete {
		complete[i] = true
	}
	var mu sync.Mutex

	err := d.fanOut(func(k byte, sh LockingShard) error {
		idxs := d.shardIndex[k]
		slice := d.shardSlice(k)
		bitmap, err := sh.LockOutputs(d.dtxID, slice)
		if err != nil {
			return err
		}
		if len(bitmap) != len(idxs) {
			return fmt.Errorf("shard returned bitmap length %d, expected %d", len(bitmap), len(idxs))
		}
		mu.Lock()
		for j, idx := range idxs {
			if !bitmap[j] {
				complete[idx] = false
			}
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		d.phase = txtypes.PhaseFailed
		return nil, fmt.Errorf("dtx: prepare: %w", err)
	}

	d.complete = complete
	return complete, nil
}

// Commit fans out apply_outputs, handing each shard its slice of the
// completion vector.
func (d *Driver) Commit() error {
	if !d.skipCommitHook && d.hooks.OnCommit != nil {
		if err := d.hooks.OnCommit(d.complete, d.shardIndex); err != nil {
			d.phase = txtypes.PhaseFailed
			return fmt.Errorf("dtx: on_commit hook: %w", err)
		}
	}
	d.phase = txtypes.PhaseCommit

	err := d.fanOut(func(k byte, sh LockingShard) error {
		idxs := d.shardIndex[k]
		local := make([]bool, len(idxs))
		for j, idx := range idxs {
			local[j] = d.complete[idx]
		}
		return sh.ApplyOutputs(d.dtxID, local)
	})
	if err != nil {
		d.phase = txtypes.PhaseFailed
		return fmt.Errorf("dtx: commit: %w", err)
	}
	return nil
}

// Discard fans out discard_dtx and, on success, fires the terminal
// on_done hook and moves the dtx to done.
func (d *Driver) Discard() error {
	if !d.skipDiscardHook && d.hooks.OnDiscard != nil {
		if err := d.hooks.OnDiscard(); err != nil {
			d.phase = txtypes.PhaseFailed
			return fmt.Errorf("dtx: on_discard hook: %w", err)
		}
	}
	d.phase = txtypes.PhaseDiscard

	err := d.fanOut(func(k byte, sh LockingShard) error {
		return sh.DiscardDtx(d.dtxID)
	})
	if err != nil {
		d.phase = txtypes.PhaseFailed
		return fmt.Errorf("dtx: discard: %w", err)
	}

	if d.hooks.OnDone != nil {
		if err := d.hooks.OnDone(); err != nil {
			d.phase = txtypes.PhaseFailed
			return fmt.Errorf("dtx: on_done hook: %w", err)
		}
	}
	d.phase = txtypes.PhaseDone
	return nil
}
