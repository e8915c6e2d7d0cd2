package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Document is one persisted entry: {"data": ..., "cached_at": ...}.
type Document[V any] struct {
	Data     V         `json:"data"`
	CachedAt time.Time `json:"cached_at"`
}

// FileStore is a JSON document mapping upper-cased keys to timestamped
// values. Entries older than ttl are misses and are dropped from the file.
type FileStore[V any] struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]Document[V]
}

// OpenFileStore reads path if present. A missing file yields an empty store;
// a corrupt one is reported so the caller can decide whether to continue.
func OpenFileStore[V any](path string, ttl time.Duration) (*FileStore[V], error) {
	fs := &FileStore[V]{
		path:    path,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Document[V]),
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return fs, fmt.Errorf("read cache %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.entries); err != nil {
		fs.entries = make(map[string]Document[V])
		return fs, fmt.Errorf("decode cache %s: %w", path, err)
	}
	return fs, nil
}

// Key normalizes a symbol into the store key.
func Key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Get returns the fresh entry for key. A stale entry is removed from the
// backing file and reported as a miss.
func (fs *FileStore[V]) Get(key string) (Document[V], bool, error) {
	key = Key(key)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, ok := fs.entries[key]
	if !ok {
		return doc, false, nil
	}
	if fs.now().Sub(doc.CachedAt) >= fs.ttl {
		delete(fs.entries, key)
		return Document[V]{}, false, fs.flushLocked()
	}
	return doc, true, nil
}

// Put stores value under key with a fresh timestamp and rewrites the file.
func (fs *FileStore[V]) Put(key string, value V) error {
	key = Key(key)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries[key] = Document[V]{Data: value, CachedAt: fs.now()}
	return fs.flushLocked()
}

// Delete removes key and rewrites the file.
func (fs *FileStore[V]) Delete(key string) error {
	key = Key(key)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[key]; !ok {
		return nil
	}
	delete(fs.entries, key)
	return fs.flushLocked()
}

// Prune drops every stale entry and returns how many were removed.
func (fs *FileStore[V]) Prune() (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	removed := 0
	for k, doc := range fs.entries {
		if fs.now().Sub(doc.CachedAt) >= fs.ttl {
			delete(fs.entries, k)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, fs.flushLocked()
}

// Fresh returns a copy of all non-stale entries.
func (fs *FileStore[V]) Fresh() map[string]Document[V] {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make(map[string]Document[V], len(fs.entries))
	for k, doc := range fs.entries {
		if fs.now().Sub(doc.CachedAt) < fs.ttl {
			out[k] = doc
		}
	}
	return out
}

// flushLocked writes through a temp file so readers never see a partial document.
func (fs *FileStore[V]) flushLocked() error {
	if fs.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	raw, err := json.MarshalIndent(fs.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}
