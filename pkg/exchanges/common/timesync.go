package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync keeps the offset between local time and a venue's server clock,
// used to stamp signed requests.
type TimeSync struct {
	serverTime func(ctx context.Context) (int64, error)
	offset     int64 // milliseconds, server - local
	lastSync   time.Time
	maxAge     time.Duration
	mu         sync.RWMutex
}

// NewTimeSync creates a time sync that refreshes lazily once older than maxAge.
func NewTimeSync(serverTime func(ctx context.Context) (int64, error), maxAge time.Duration) *TimeSync {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &TimeSync{serverTime: serverTime, maxAge: maxAge}
}

// Sync measures the offset, assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	server, err := ts.serverTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	local := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// Now returns the venue-adjusted unix time in milliseconds, resyncing first
// when the offset is stale. A failed resync keeps the previous offset.
func (ts *TimeSync) Now(ctx context.Context) int64 {
	ts.mu.RLock()
	stale := time.Since(ts.lastSync) > ts.maxAge
	ts.mu.RUnlock()
	if stale {
		if err := ts.Sync(ctx); err != nil {
			log.Printf("timesync: resync failed: %v", err)
			ts.mu.Lock()
			ts.lastSync = time.Now()
			ts.mu.Unlock()
		}
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
