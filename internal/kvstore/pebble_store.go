package kvstore

import (
	"github.com/cockroachdb/pebble"
)

// PebbleStore is a durable Store backed by a cockroachdb/pebble LSM tree.
// It backs deployments of the runtime locking shard (cmd/runtimeshard with
// snapshot_dir set) that want committed values to outlive a process restart
// without waiting for a full raft log replay. The UHS locking shard's
// snapshots use a pebble database directly, not this type.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (creating if absent) a pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Get(key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

func (p *PebbleStore) Put(key string, value []byte) error {
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *PebbleStore) Delete(key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *PebbleStore) List() []string {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil
	}
	defer iter.Close()
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys
}

func (p *PebbleStore) Stats() StoreStats {
	keys := p.List()
	total := 0
	for _, k := range keys {
		if v, err := p.Get(k); err == nil {
			total += len(v)
		}
	}
	return StoreStats{Keys: len(keys), Bytes: total}
}

func (p *PebbleStore) Close() error { return p.db.Close() }
