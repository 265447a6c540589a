package lockshard

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/settle/internal/txtypes"
)

// element is one live (or spent) UHS entry.
type element struct {
	CreationEpoch uint64
	DeletionEpoch uint64
	Deleted       bool
	Commitment    []byte
	RangeProof    []byte
	NestedHash    uint64
}

func nestedHash(creationEpoch, deletionEpoch uint64, deleted bool, commitment []byte) uint64 {
	h := xxhash.New()
	var buf [17]byte
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (56 - 8*i))
		}
	}
	put64(0, creationEpoch)
	put64(8, deletionEpoch)
	if deleted {
		buf[16] = 1
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write(commitment)
	return h.Sum64()
}

// preparedRecord is what a shard remembers about a dtx after lock_outputs,
// so apply_outputs/discard_dtx and retries of lock_outputs can be answered
// without re-deriving anything.
type preparedRecord struct {
	slice   []txtypes.CTX
	bitmap  []bool
	removed []map[txtypes.UHSID]element // per-CTX index, ids this shard pulled from uhs
}

// Range is the inclusive first-byte prefix range this shard owns.
type Range struct {
	Low, High byte
}

func (r Range) Contains(id txtypes.UHSID) bool {
	p := id.Prefix()
	return p >= r.Low && p <= r.High
}

// Shard is one UHS locking shard: it owns Range and the live/locked/spent
// state for every UHS id in it.
type Shard struct {
	id    string
	rng   Range
	epoch uint64

	mu           sync.RWMutex
	uhs          map[txtypes.UHSID]element
	locked       map[txtypes.DtxID]struct{} // dtx ids currently holding locks (bookkeeping only)
	spent        map[txtypes.UHSID]element
	preparedDtxs map[txtypes.DtxID]*preparedRecord
	appliedDtxs  map[txtypes.DtxID]struct{}

	completedMu sync.Mutex
	completed   *completedCache

	metrics *shardMetrics
}

// New creates an empty shard owning rng, with a completed-tx cache sized
// cacheSize (the completed_txs_cache_size option).
func New(id string, rng Range, cacheSize int) *Shard {
	return &Shard{
		id:           id,
		rng:          rng,
		uhs:          make(map[txtypes.UHSID]element),
		locked:       make(map[txtypes.DtxID]struct{}),
		spent:        make(map[txtypes.UHSID]element),
		preparedDtxs: make(map[txtypes.DtxID]*preparedRecord),
		appliedDtxs:  make(map[txtypes.DtxID]struct{}),
		completed:    newCompletedCache(cacheSize),
		metrics:      newShardMetrics(id),
	}
}

// Seed inserts a UHS entry directly, bypassing lock/apply. It exists for
// tests and for replaying a snapshot/log on restart, never for serving a
// live LockOutputs call.
func (s *Shard) Seed(id txtypes.UHSID, creationEpoch uint64, commitment []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uhs[id] = element{
		CreationEpoch: creationEpoch,
		Commitment:    commitment,
		NestedHash:    nestedHash(creationEpoch, 0, false, commitment),
	}
}

// LockOutputs implements the lock_outputs operation. slice is the ordered
// list of CTXs this shard participates in; the returned bitmap is aligned
// to slice, not to the dtx's full batch.
func (s *Shard) LockOutputs(dtxID txtypes.DtxID, slice []txtypes.CTX) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.preparedDtxs[dtxID]; ok {
		return rec.bitmap, nil // retry-safe: idempotent
	}

	bitmap := make([]bool, len(slice))
	removed := make([]map[txtypes.UHSID]element, len(slice))

	for i, ctx := range slice {
		s.completedMu.Lock()
		replay := s.completed.Contains(ctx.ID)
		s.completedMu.Unlock()
		if replay {
			bitmap[i] = false
			continue
		}

		ours := make([]txtypes.UHSID, 0, len(ctx.Inputs))
		for _, in := range ctx.Inputs {
			if s.rng.Contains(in) {
				ours = append(ours, in)
			}
		}

		ok := true
		for _, in := range ours {
			el, present := s.uhs[in]
			if !present || el.Deleted {
				ok = false
				break
			}
		}
		if !ok {
			bitmap[i] = false
			continue
		}

		taken := make(map[txtypes.UHSID]element, len(ours))
		for _, in := range ours {
			taken[in] = s.uhs[in]
			delete(s.uhs, in)
		}
		removed[i] = taken
		bitmap[i] = true
	}

	s.locked[dtxID] = struct{}{}
	s.preparedDtxs[dtxID] = &preparedRecord{slice: slice, bitmap: bitmap, removed: removed}
	s.metrics.locked.Add(float64(len(slice)))
	return bitmap, nil
}

// ApplyOutputs implements the apply_outputs operation. complete must be the
// merged bitmap the dtx driver computed across all participating shards,
// aligned to the same slice LockOutputs was called with.
func (s *Shard) ApplyOutputs(dtxID txtypes.DtxID, complete []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.appliedDtxs[dtxID]; done {
		return nil // idempotent
	}
	rec, ok := s.preparedDtxs[dtxID]
	if !ok {
		return fmt.Errorf("lockshard: apply_outputs on unknown dtx %s: %w", dtxID, txtypes.ErrProtocolViolation)
	}
	if len(complete) != len(rec.slice) {
		return fmt.Errorf("lockshard: apply_outputs bitmap length %d != slice length %d: %w",
			len(complete), len(rec.slice), txtypes.ErrProtocolViolation)
	}

	for i, ctx := range rec.slice {
		if complete[i] {
			for in, el := range rec.removed[i] {
				el.Deleted = true
				el.DeletionEpoch = s.epoch
				el.NestedHash = nestedHash(el.CreationEpoch, el.DeletionEpoch, true, el.Commitment)
				s.spent[in] = el
			}
			rec.removed[i] = nil
			for _, out := range ctx.Outputs {
				if !s.rng.Contains(out.ID) {
					continue
				}
				s.uhs[out.ID] = element{
					CreationEpoch: s.epoch,
					Commitment:    out.Commitment,
					RangeProof:    out.RangeProof,
					NestedHash:    nestedHash(s.epoch, 0, false, out.Commitment),
				}
			}
			s.completedMu.Lock()
			s.completed.Add(ctx.ID)
			s.completedMu.Unlock()
		} else {
			for in, el := range rec.removed[i] {
				s.uhs[in] = el
			}
			rec.removed[i] = nil
		}
	}

	s.appliedDtxs[dtxID] = struct{}{}
	s.metrics.applied.Add(float64(len(rec.slice)))
	return nil
}

// DiscardDtx erases the shard's cached state for a dtx. Discarding a dtx
// that locked but never applied is a protocol violation. A dtx this shard
// no longer knows was already discarded, so
// the call succeeds again with no state change — a recovering leader may
// retry discard arbitrarily.
func (s *Shard) DiscardDtx(dtxID txtypes.DtxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.preparedDtxs[dtxID]; !ok {
		return nil // already discarded: idempotent
	}
	if _, applied := s.appliedDtxs[dtxID]; !applied {
		return fmt.Errorf("lockshard: discard_dtx before apply_outputs on dtx %s: %w", dtxID, txtypes.ErrProtocolViolation)
	}
	delete(s.preparedDtxs, dtxID)
	delete(s.appliedDtxs, dtxID)
	delete(s.locked, dtxID)
	return nil
}

// Range returns the inclusive first-byte prefix range this shard owns.
func (s *Shard) Range() Range { return s.rng }

// CheckUnspent reports whether id is currently live in the UHS.
func (s *Shard) CheckUnspent(id txtypes.UHSID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.uhs[id]
	return ok && !el.Deleted
}

// CheckTxID reports whether id was recently settled on this shard.
func (s *Shard) CheckTxID(id txtypes.TxID) bool {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	return s.completed.Contains(id)
}

// AdvanceEpoch bumps the shard's monotone epoch counter; a lower epoch is
// ignored. No coordinator or shard RPC calls it: outside tests the epoch
// stays at whatever LoadSnapshot set (0 when none was loaded).
func (s *Shard) AdvanceEpoch(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.epoch {
		s.epoch = epoch
	}
}

// PruneSpentBefore deletes spent entries whose deletion epoch is strictly
// before cutoff. This is an explicit, operator-triggered maintenance
// call, never run automatically.
func (s *Shard) PruneSpentBefore(cutoff uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, el := range s.spent {
		if el.DeletionEpoch < cutoff {
			delete(s.spent, id)
			n++
		}
	}
	return n
}
