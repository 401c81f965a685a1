// Package kvstore provides the persistent key-value store consumed by the
// bridge as its address-resolution cache. The bridge reads it
// opportunistically at stream creation; a miss only skips the cache shortcut
// and never fails anything.
package kvstore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// KeyValueStore is the narrow persistence contract the bridge consumes.
// Implementations must be safe for concurrent use; the bridge imposes no
// locking discipline beyond what the store itself enforces.
type KeyValueStore interface {
	// Read returns the value stored for key, if any.
	Read(key string) (string, bool)
	// Save records or replaces the value for key.
	Save(key, value string)
	// Remove deletes the entry for key, if present.
	Remove(key string)
	// Flush persists the current contents to the backing medium.
	Flush() error
}

// MemStore is an in-memory KeyValueStore with no persistence. Flush is a
// no-op. Useful for tests and for embedders that manage persistence
// themselves.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]string)}
}

func (m *MemStore) Read(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *MemStore) Save(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
}

func (m *MemStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *MemStore) Flush() error {
	return nil
}

// FileStore is a KeyValueStore backed by a single flat file. The on-disk
// format is a sequence of length-prefixed records, alternating key and value:
//
//	<decimal byte length>\n<bytes><decimal byte length>\n<bytes>...
//
// A missing file loads as an empty store. A file that fails to parse is
// treated as empty rather than failing construction: the cache is an
// optimization, not a source of truth.
type FileStore struct {
	path string

	mu      sync.RWMutex
	entries map[string]string
}

// NewFileStore opens (or initializes) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("kvstore: file path cannot be empty")
	}
	fs := &FileStore{path: path, entries: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("kvstore: failed to read %s: %w", path, err)
	}
	if entries, perr := parseRecords(string(raw)); perr == nil {
		fs.entries = entries
	}
	return fs, nil
}

func (f *FileStore) Read(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *FileStore) Save(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
}

func (f *FileStore) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

// Flush writes the current contents back to the store's file.
func (f *FileStore) Flush() error {
	f.mu.RLock()
	var b strings.Builder
	for k, v := range f.entries {
		fmt.Fprintf(&b, "%d\n%s%d\n%s", len(k), k, len(v), v)
	}
	f.mu.RUnlock()
	return os.WriteFile(f.path, []byte(b.String()), 0644)
}

// parseRecords decodes the length-prefixed record stream.
func parseRecords(raw string) (map[string]string, error) {
	entries := make(map[string]string)
	pos := 0
	readChunk := func() (string, error) {
		nl := strings.IndexByte(raw[pos:], '\n')
		if nl < 0 {
			return "", fmt.Errorf("kvstore: missing length terminator at offset %d", pos)
		}
		n, err := strconv.Atoi(raw[pos : pos+nl])
		if err != nil || n < 0 {
			return "", fmt.Errorf("kvstore: bad length prefix at offset %d", pos)
		}
		pos += nl + 1
		if pos+n > len(raw) {
			return "", fmt.Errorf("kvstore: truncated record at offset %d", pos)
		}
		chunk := raw[pos : pos+n]
		pos += n
		return chunk, nil
	}
	for pos < len(raw) {
		key, err := readChunk()
		if err != nil {
			return nil, err
		}
		value, err := readChunk()
		if err != nil {
			return nil, err
		}
		entries[key] = value
	}
	return entries, nil
}
