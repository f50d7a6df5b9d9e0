package custody

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dtn-project/dtnd/internal/bundle"
)

// Store persists each source's allocation-block cursor and retired-range
// free-list across restarts, so a restarted node never reissues a custody
// id it has already handed to a downstream custodian mid-custody-transfer.
// Grounded on dittofs's badger-backed metadata store: one embedded KV per
// node, JSON-encoded values under a namespaced key prefix.
type Store struct {
	db *badger.DB
}

const sourceKeyPrefix = "custody:source:"

// persistedState is the on-disk form of sourceState; sourceState itself
// stays unexported so this is the only place that knows the wire shape.
type persistedState struct {
	NextID   uint64    `json:"next_id"`
	BlockEnd uint64    `json:"block_end"`
	FreeList []idRange `json:"free_list"`
}

func sourceKey(source bundle.EID) []byte {
	return []byte(fmt.Sprintf("%s%d.%d", sourceKeyPrefix, source.Node, source.Service))
}

// OpenStore opens (or creates) the badger database rooted at dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("custody: open badger store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// LoadAll reconstructs every source's persisted state, used by
// NewIDAllocatorWithStore to rehydrate an allocator after a restart.
func (s *Store) LoadAll() (map[bundle.EID]*sourceState, uint64, error) {
	sources := make(map[bundle.EID]*sourceState)
	nextBlockBase := uint64(1)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sourceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			source, err := parseSourceKey(key)
			if err != nil {
				return err
			}
			var ps persistedState
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ps) }); err != nil {
				return fmt.Errorf("custody: decode state for %s: %w", source, err)
			}
			sources[source] = &sourceState{nextID: ps.NextID, blockEnd: ps.BlockEnd, freeList: ps.FreeList}
			if ps.BlockEnd > nextBlockBase {
				nextBlockBase = ps.BlockEnd
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return sources, nextBlockBase, nil
}

func parseSourceKey(key string) (bundle.EID, error) {
	rest := key[len(sourceKeyPrefix):]
	var node, service uint64
	if _, err := fmt.Sscanf(rest, "%d.%d", &node, &service); err != nil {
		return bundle.EID{}, fmt.Errorf("custody: malformed source key %q: %w", key, err)
	}
	return bundle.EID{Node: node, Service: service}, nil
}

// persist writes source's current state, overwriting any prior value.
func (s *Store) persist(source bundle.EID, st *sourceState) error {
	ps := persistedState{NextID: st.nextID, BlockEnd: st.blockEnd, FreeList: st.freeList}
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("custody: encode state for %s: %w", source, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sourceKey(source), data)
	})
}
