package brook

import (
	"encoding/json"
	"os"
	"sync"
)

// OffsetStore is the persistence collaborator used to remember the last-seen
// position per channel under the key "<channel>_offset". Implementations must
// be safe for concurrent use.
type OffsetStore interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) (string, bool)
	// Set stores the value under key.
	Set(key string, value string) error
}

// MemoryOffsetStore keeps offsets in process memory only.
type MemoryOffsetStore struct {
	lock   sync.Mutex
	values map[string]string
}

// NewMemoryOffsetStore returns a new MemoryOffsetStore.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{values: make(map[string]string)}
}

// Get returns the stored value and whether the key exists.
func (store *MemoryOffsetStore) Get(key string) (string, bool) {
	store.lock.Lock()
	defer store.lock.Unlock()
	value, exists := store.values[key]
	return value, exists
}

// Set stores the value under key.
func (store *MemoryOffsetStore) Set(key string, value string) error {
	store.lock.Lock()
	store.values[key] = value
	store.lock.Unlock()
	return nil
}

// FileOffsetStore persists offsets as a JSON checkpoint file, rewritten on
// every mutation. Suitable for clients that must resume replay across process
// restarts without external infrastructure.
type FileOffsetStore struct {
	lock   sync.Mutex
	path   string
	values map[string]string
}

// NewFileOffsetStore loads (or creates) the checkpoint at path.
func NewFileOffsetStore(path string) *FileOffsetStore {
	store := &FileOffsetStore{
		path:   path,
		values: make(map[string]string),
	}

	payload, err := os.ReadFile(path)
	if err == nil && len(payload) > 0 {
		loaded := make(map[string]string)
		if json.Unmarshal(payload, &loaded) == nil {
			store.values = loaded
		}
	}
	return store
}

// Get returns the stored value and whether the key exists.
func (store *FileOffsetStore) Get(key string) (string, bool) {
	store.lock.Lock()
	defer store.lock.Unlock()
	value, exists := store.values[key]
	return value, exists
}

// Set stores the value under key and rewrites the checkpoint file.
func (store *FileOffsetStore) Set(key string, value string) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	store.values[key] = value
	return store.saveCheckpointLocked()
}

func (store *FileOffsetStore) saveCheckpointLocked() error {
	payload, err := json.MarshalIndent(store.values, "", "  ")
	if err != nil {
		return err
	}

	temporary := store.path + ".tmp"
	if err := os.WriteFile(temporary, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(temporary, store.path)
}
