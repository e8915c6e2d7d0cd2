package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID    string  `json:"id"`
	Ratio float64 `json:"ratio"`
}

func TestShardedSetGetDelete(t *testing.T) {
	c := NewSharded[sample]()
	c.Set("KOGE", sample{ID: "ALPHA_1"})

	got, ok := c.Get("KOGE")
	require.True(t, ok)
	assert.Equal(t, "ALPHA_1", got.ID)
	assert.Equal(t, 1, c.Len())

	c.Delete("KOGE")
	_, ok = c.Get("KOGE")
	assert.False(t, ok)
}

func TestShardedCleanup(t *testing.T) {
	c := NewSharded[int]()
	c.SetAt("old", 1, time.Now().Add(-2*time.Hour))
	c.Set("new", 2)

	assert.Equal(t, 1, c.Cleanup(time.Hour))
	_, ok := c.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats().TotalItems)
}

func TestFileStoreRoundTripAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_info.json")
	fs, err := OpenFileStore[sample](path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, fs.Put("koge", sample{ID: "ALPHA_1", Ratio: 4}))

	reopened, err := OpenFileStore[sample](path, time.Hour)
	require.NoError(t, err)
	doc, ok, err := reopened.Get("KOGE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.0, doc.Data.Ratio)
}

func TestFileStoreStaleEntryIsMissAndRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precision.json")
	fs, err := OpenFileStore[sample](path, 24*time.Hour)
	require.NoError(t, err)

	base := time.Now()
	fs.now = func() time.Time { return base }
	require.NoError(t, fs.Put("KOGE", sample{ID: "ALPHA_1"}))
	require.NoError(t, fs.Put("ZKJ", sample{ID: "ALPHA_2"}))

	fs.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, ok, err := fs.Get("KOGE")
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]Document[sample]
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.NotContains(t, onDisk, "KOGE")
	assert.Contains(t, onDisk, "ZKJ")

	removed, err := fs.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, fs.Fresh())
}

func TestFileStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	fs, err := OpenFileStore[sample](path, time.Hour)
	assert.Error(t, err)
	require.NotNil(t, fs)
	assert.Empty(t, fs.Fresh())
}
