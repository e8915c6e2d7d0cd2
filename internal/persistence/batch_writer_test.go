package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volume-core/pkg/db"
)

type memStore struct {
	mu   sync.Mutex
	rows []db.Progress
	fail bool
}

func (m *memStore) UpsertProgress(_ context.Context, p db.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.rows = append(m.rows, p)
	return nil
}

func (m *memStore) snapshot() []db.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.Progress(nil), m.rows...)
}

func TestBatchWriterCoalescesPerUnit(t *testing.T) {
	store := &memStore{}
	bw := NewBatchWriter(store, 10, time.Hour, nil)
	defer bw.Close()

	bw.Write(db.Progress{StrategyID: "s1", UserID: "u1", Day: "2026-01-01", Realized: 10})
	bw.Write(db.Progress{StrategyID: "s1", UserID: "u1", Day: "2026-01-01", Realized: 20})
	bw.Write(db.Progress{StrategyID: "s1", UserID: "u2", Day: "2026-01-01", Realized: 5})
	assert.Equal(t, 2, bw.Pending())

	require.NoError(t, bw.Flush(context.Background()))
	rows := store.snapshot()
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.UserID == "u1" {
			assert.Equal(t, 20.0, r.Realized)
		}
	}
	m := bw.GetMetrics()
	assert.Equal(t, uint64(2), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.False(t, m.LastFlushTime.IsZero())
}

func TestBatchWriterFlushesWhenFull(t *testing.T) {
	store := &memStore{}
	bw := NewBatchWriter(store, 2, time.Hour, nil)
	defer bw.Close()

	bw.Write(db.Progress{StrategyID: "s1", UserID: "u1", Day: "d"})
	bw.Write(db.Progress{StrategyID: "s1", UserID: "u2", Day: "d"})
	assert.Len(t, store.snapshot(), 2)
	assert.Equal(t, 0, bw.Pending())
}

func TestBatchWriterCloseFlushes(t *testing.T) {
	store := &memStore{}
	bw := NewBatchWriter(store, 10, time.Hour, nil)
	bw.Write(db.Progress{StrategyID: "s1", UserID: "u1", Day: "d"})
	require.NoError(t, bw.Close())
	require.NoError(t, bw.Close())
	assert.Len(t, store.snapshot(), 1)
}

func TestBatchWriterCountsErrors(t *testing.T) {
	store := &memStore{fail: true}
	bw := NewBatchWriter(store, 10, time.Hour, nil)
	defer bw.Close()
	bw.Write(db.Progress{StrategyID: "s1", UserID: "u1", Day: "d"})
	assert.Error(t, bw.Flush(context.Background()))
	assert.Equal(t, uint64(1), bw.GetMetrics().TotalErrors)
}

func TestBatchWriterWithDatabase(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	bw := NewBatchWriter(database, 10, time.Hour, nil)
	bw.Write(db.Progress{StrategyID: "s1", UserID: "u1", Day: "2026-01-01", Target: 1000, Realized: 200, Trades: 2, State: "running"})
	require.NoError(t, bw.Close())

	got, err := database.Queries().GetProgressByUser(context.Background(), "u1", "2026-01-01")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 200.0, got[0].Realized)
}
