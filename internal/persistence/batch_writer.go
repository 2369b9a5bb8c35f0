// Package persistence buffers low-priority writes and flushes them in batches.
package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// FlushFunc writes one batch. It is called from a single goroutine at a time.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// BatchWriter batches writes so callers on the hot path never wait for the database.
type BatchWriter[T any] struct {
	flush       FlushFunc[T]
	buffer      []T
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	maxPending  int
	flushIntval time.Duration
	kick        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	TotalDropped  uint64    `json:"total_dropped"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: buffered items that wake the background flush
// interval: time-based flush interval
// Items beyond 20*maxSize are dropped while a flush is stuck.
func NewBatchWriter[T any](flush FlushFunc[T], maxSize int, interval time.Duration) *BatchWriter[T] {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter[T]{
		flush:       flush,
		buffer:      make([]T, 0, maxSize),
		maxSize:     maxSize,
		maxPending:  20 * maxSize,
		flushIntval: interval,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds an item to the batch. It never waits for a flush.
func (bw *BatchWriter[T]) Write(item T) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxPending {
		bw.mu.Unlock()
		if n := atomic.AddUint64(&bw.metrics.TotalDropped, 1); n == 1 || n%100 == 0 {
			log.Printf("batchwriter: buffer full, %d items dropped so far", n)
		}
		return
	}
	bw.buffer = append(bw.buffer, item)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// Flush immediately writes all buffered items.
func (bw *BatchWriter[T]) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	items := bw.buffer
	bw.buffer = make([]T, 0, bw.maxSize)
	bw.mu.Unlock()

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(items)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.metrics.LastBatchSize = len(items)
	bw.metrics.LastFlushTime = time.Now()

	if err := bw.flush(ctx, items); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		log.Printf("batchwriter: flush of %d items failed: %v", len(items), err)
		return err
	}
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter[T]) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bw.Flush(context.Background())
		case <-bw.kick:
			bw.Flush(context.Background())
		case <-bw.done:
			// Final flush before shutdown
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			bw.Flush(ctx)
			cancel()
			return
		}
	}
}

// Pending returns the number of pending items.
func (bw *BatchWriter[T]) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter[T]) GetMetrics() BatchWriterMetrics {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		TotalDropped:  atomic.LoadUint64(&bw.metrics.TotalDropped),
		LastBatchSize: bw.metrics.LastBatchSize,
		LastFlushTime: bw.metrics.LastFlushTime,
	}
}

// Close flushes what is buffered and stops the background goroutine.
func (bw *BatchWriter[T]) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
