package risk

import (
	"sync"
	"time"
)

// keyedLocks hands out one mutex per (account, day) key.
type keyedLocks struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	lastSeen map[string]time.Time
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		locks:    make(map[string]*sync.Mutex),
		lastSeen: make(map[string]time.Time),
	}
}

func lockKey(accountID, date string) string {
	return accountID + "|" + date
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.lastSeen[key] = time.Now()
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CleanupIdle drops locks unused for ttl that nobody currently holds.
func (k *keyedLocks) CleanupIdle(ttl time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for key, seen := range k.lastSeen {
		if seen.After(cutoff) {
			continue
		}
		l := k.locks[key]
		if l != nil && !l.TryLock() {
			continue
		}
		delete(k.locks, key)
		delete(k.lastSeen, key)
		if l != nil {
			l.Unlock()
		}
		removed++
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *keyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
