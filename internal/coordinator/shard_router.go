package coordinator

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/settle/internal/dtx"
	"github.com/dreamware/settle/internal/txtypes"
)

// ShardRange is the inclusive first-byte prefix range one locking shard
// owns (one shard_ranges[] config entry).
type ShardRange struct {
	Low, High byte
}

func (r ShardRange) contains(id txtypes.UHSID) bool {
	p := id.Prefix()
	return p >= r.Low && p <= r.High
}

type shardEntry struct {
	key    byte
	rng    ShardRange
	client dtx.LockingShard
}

// ShardRouter maps UHS ID prefixes to the dtx.LockingShard that owns them
// and builds the per-dtx shard index: the coordinator's
// routing table from prefix-range ownership to shard client, replacing
// consistent-hash ring lookups with byte-range containment checks.
type ShardRouter struct {
	entries []shardEntry
}

// NewShardRouter returns an empty router; cmd/coordinator populates it with
// Register once per configured shard_ranges[] entry, as each shard address
// is dialed. Shard topology here is configured, not rebalanced at runtime.
func NewShardRouter() *ShardRouter {
	return &ShardRouter{}
}

// Register adds one shard assignment.
func (r *ShardRouter) Register(key byte, rng ShardRange, client dtx.LockingShard) {
	r.entries = append(r.entries, shardEntry{key: key, rng: rng, client: client})
}

func (r *ShardRouter) shardFor(id txtypes.UHSID) (byte, bool) {
	for _, e := range r.entries {
		if e.rng.contains(id) {
			return e.key, true
		}
	}
	return 0, false
}

// Index builds a batch's per-shard index: for each
// participating shard, the sorted list of batch indices whose inputs or
// outputs fall in that shard's range.
func (r *ShardRouter) Index(batch []txtypes.CTX) map[byte][]int {
	touched := make(map[byte]map[int]struct{})
	for i, c := range batch {
		for _, in := range c.Inputs {
			if key, ok := r.shardFor(in); ok {
				markTouched(touched, key, i)
			}
		}
		for _, out := range c.Outputs {
			if key, ok := r.shardFor(out.ID); ok {
				markTouched(touched, key, i)
			}
		}
	}

	index := make(map[byte][]int, len(touched))
	for key, set := range touched {
		list := make([]int, 0, len(set))
		for i := range set {
			list = append(list, i)
		}
		slices.Sort(list)
		index[key] = list
	}
	return index
}

func markTouched(touched map[byte]map[int]struct{}, key byte, i int) {
	set, ok := touched[key]
	if !ok {
		set = make(map[int]struct{})
		touched[key] = set
	}
	set[i] = struct{}{}
}

// ShardsFor returns the registered LockingShard for each key named in
// shardIndex, the shape internal/dtx.Driver's constructors expect.
func (r *ShardRouter) ShardsFor(shardIndex map[byte][]int) map[byte]dtx.LockingShard {
	out := make(map[byte]dtx.LockingShard, len(shardIndex))
	for key := range shardIndex {
		for _, e := range r.entries {
			if e.key == key {
				out[key] = e.client
				break
			}
		}
	}
	return out
}
