package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type sink struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (s *sink) flush(ctx context.Context, items []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]int(nil), items...))
	return s.err
}

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	s := &sink{}
	bw := NewBatchWriter(s.flush, 3, time.Hour)
	defer bw.Close()

	for i := 0; i < 3; i++ {
		bw.Write(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.total(); got != 3 {
		t.Fatalf("flushed %d items, want 3", got)
	}
	if bw.Pending() != 0 {
		t.Fatalf("pending = %d", bw.Pending())
	}
	m := bw.GetMetrics()
	if m.TotalBatches != 1 || m.LastBatchSize != 3 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestBatchWriterFlushesOnClose(t *testing.T) {
	s := &sink{}
	bw := NewBatchWriter(s.flush, 100, time.Hour)
	bw.Write(1)
	bw.Write(2)
	bw.Close()
	bw.Close()

	if got := s.total(); got != 2 {
		t.Fatalf("flushed %d items on close, want 2", got)
	}
}

func TestBatchWriterFlushesOnInterval(t *testing.T) {
	s := &sink{}
	bw := NewBatchWriter(s.flush, 100, 10*time.Millisecond)
	defer bw.Close()
	bw.Write(7)

	deadline := time.Now().Add(2 * time.Second)
	for s.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.total() != 1 {
		t.Fatal("interval flush did not happen")
	}
}

func TestBatchWriterCountsErrors(t *testing.T) {
	s := &sink{err: errors.New("disk full")}
	bw := NewBatchWriter(s.flush, 100, time.Hour)
	defer bw.Close()
	bw.Write(1)

	if err := bw.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if bw.GetMetrics().TotalErrors != 1 {
		t.Errorf("errors = %d, want 1", bw.GetMetrics().TotalErrors)
	}
}

func TestBatchWriterWriteDoesNotWaitForFlush(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	slow := func(ctx context.Context, items []int) error {
		<-release
		return nil
	}
	bw := NewBatchWriter(slow, 2, time.Hour)
	defer bw.Close()
	defer unblock()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bw.Write(i)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("writes took %v while the flush was stuck", elapsed)
	}
}

func TestBatchWriterDropsBeyondBound(t *testing.T) {
	release := make(chan struct{})
	slow := func(ctx context.Context, items []int) error {
		<-release
		return nil
	}
	bw := NewBatchWriter(slow, 1, time.Hour)

	// The first item wakes the background flush, which then blocks holding it.
	bw.Write(0)
	deadline := time.Now().Add(2 * time.Second)
	for bw.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 25; i++ {
		bw.Write(i)
	}
	if got := bw.Pending(); got != 20 {
		t.Errorf("pending = %d, want 20", got)
	}
	close(release)
	bw.Close()
	if got := bw.GetMetrics().TotalDropped; got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
}
