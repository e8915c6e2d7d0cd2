// Package persistence batches volume progress writes off the trading path.
package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"volume-core/pkg/db"
)

// ProgressStore persists one progress row. *db.Database satisfies it.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, p db.Progress) error
}

type progressKey struct {
	strategy, user, day string
}

// BatchWriter coalesces progress rows per (strategy, user, day) and flushes
// the latest value of each on an interval or when the buffer fills.
type BatchWriter struct {
	store       ProgressStore
	log         *zap.Logger
	mu          sync.Mutex
	buffer      map[progressKey]db.Progress
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastSize     atomic.Int64
	lastFlush    atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer over store.
// maxSize: distinct rows buffered before an early flush
// interval: time-based flush interval
func NewBatchWriter(store ProgressStore, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	bw := &BatchWriter{
		store:       store,
		log:         log.Named("progress"),
		buffer:      make(map[progressKey]db.Progress, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write buffers p, replacing any pending row for the same unit and day.
func (bw *BatchWriter) Write(p db.Progress) {
	bw.mu.Lock()
	bw.buffer[progressKey{p.StrategyID, p.UserID, p.Day}] = p
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush(context.Background())
	}
}

// Flush writes every buffered row. Rows that fail are dropped; the next
// Write for the unit carries the newer state anyway.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	rows := bw.buffer
	bw.buffer = make(map[progressKey]db.Progress, bw.maxSize)
	bw.mu.Unlock()

	bw.totalWrites.Add(uint64(len(rows)))
	bw.totalBatches.Add(1)
	bw.lastSize.Store(int64(len(rows)))
	bw.lastFlush.Store(time.Now().UnixNano())

	var errs []error
	for _, p := range rows {
		if err := bw.store.UpsertProgress(ctx, p); err != nil {
			bw.totalErrors.Add(1)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		bw.log.Warn("progress flush had failures", zap.Int("rows", len(rows)), zap.Int("failed", len(errs)), zap.Error(errs[0]))
		return errors.Join(errs...)
	}
	bw.log.Debug("progress flushed", zap.Int("rows", len(rows)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush(context.Background())
		case <-bw.done:
			// Final flush before shutdown
			_ = bw.Flush(context.Background())
			return
		}
	}
}

// Pending returns the number of buffered rows.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastSize.Load()),
	}
	if ns := bw.lastFlush.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns)
	}
	return m
}

// Close stops the background loop after a final flush.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
