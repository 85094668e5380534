package validator

import (
	"sync"
	"time"
)

// dedupSet is the bounded, time-windowed "recently seen" set stage 2 of
// spec §4.2 consults. Grounded on the teacher's duplicateShareSet
// (miner_duplicates.go): a map keyed by a fixed-size comparable hash plus
// an order slice for FIFO eviction once the set's capacity bound is hit,
// so memory never grows unbounded under a sustained submission rate.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	seenAt   map[[32]byte]time.Time
	order    []([32]byte)
}

func newDedupSet(capacity int, window time.Duration) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		window:   window,
		seenAt:   make(map[[32]byte]time.Time, capacity),
	}
}

// seenOrRecord reports whether key was already recorded within window of
// now. On a miss, it records key and returns false.
func (d *dedupSet) seenOrRecord(key [32]byte, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.seenAt[key]; ok && now.Sub(t) <= d.window {
		return true
	}

	d.seenAt[key] = now
	d.order = append(d.order, key)
	for len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seenAt, oldest)
	}
	return false
}
