package lockshard

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/dreamware/settle/internal/txtypes"
)

type snapshotEntry struct {
	ID      txtypes.UHSID
	Element element
}

// Snapshot serializes the live uhs map at the current epoch into store,
// keyed by (shard id, epoch). Snapshots are an optional cold-start aid,
// only written when a config's snapshot_dir option is set; recovery never
// depends on one existing.
func (s *Shard) Snapshot(store *pebble.DB) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	entries := make([]snapshotEntry, 0, len(s.uhs))
	for id, el := range s.uhs {
		entries = append(entries, snapshotEntry{ID: id, Element: el})
	}
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("lockshard: encode snapshot: %w", err)
	}

	key := snapshotKey(s.id, s.epoch)
	if err := store.Set(key, buf.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("lockshard: write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the shard's uhs map with the contents previously
// written by Snapshot at epoch. Intended for startup only, before the shard
// accepts any RPCs.
func (s *Shard) LoadSnapshot(store *pebble.DB, epoch uint64) error {
	key := snapshotKey(s.id, epoch)
	data, closer, err := store.Get(key)
	if err != nil {
		return fmt.Errorf("lockshard: read snapshot: %w", err)
	}
	defer closer.Close()

	var entries []snapshotEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return fmt.Errorf("lockshard: decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uhs = make(map[txtypes.UHSID]element, len(entries))
	for _, e := range entries {
		s.uhs[e.ID] = e.Element
	}
	s.epoch = epoch
	return nil
}

func snapshotKey(shardID string, epoch uint64) []byte {
	return []byte(fmt.Sprintf("snapshot/%s/%020d", shardID, epoch))
}
