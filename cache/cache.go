// Package cache implements the fixed-memory-budget verification cache of
// spec §4.4: four independent partitions (proof, signature, singleton
// state, difficulty), each with its own byte budget, TTL expiry, and
// sampled oldest-insertion eviction. Grounded on the teacher's difficultyCache
// (miner_difficulty_memory.go) sampled-oldest eviction pattern, generalized
// from two maps to four partitions with byte-budget accounting instead of
// plain entry counts.
package cache

import (
	"sort"
	"sync"
	"time"
)

// Partition identifies one of the four logical cache partitions.
type Partition int

const (
	PartitionProof Partition = iota
	PartitionSignature
	PartitionSingletonState
	PartitionDifficulty

	partitionCount
)

func (p Partition) String() string {
	switch p {
	case PartitionProof:
		return "proof"
	case PartitionSignature:
		return "signature"
	case PartitionSingletonState:
		return "singleton-state"
	case PartitionDifficulty:
		return "difficulty"
	default:
		return "unknown"
	}
}

// Stats is the per-partition snapshot spec §4.4 calls for.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	BytesUsed  int64
	BytesBudget int64
}

type entry struct {
	value     []byte
	insertedAt time.Time
	expiresAt  time.Time
	accesses   uint64
	size       int64
}

type partitionState struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	ttl     time.Duration
	entries map[string]*entry
	hits, misses, evictions uint64
}

// Cache is the fixed-budget verification cache. One instance lives on the
// orchestrator context for the life of the process (spec §5: caches are one
// of the two permitted process-wide mutable singletons).
type Cache struct {
	partitions [partitionCount]*partitionState
}

// Budgets configures the per-partition byte budget.
type Budgets struct {
	Proof          int64
	Signature      int64
	SingletonState int64
	Difficulty     int64
}

// New constructs a Cache with the given per-partition budgets and a single
// TTL applied to every partition (spec §4.4's configured cache_ttl_seconds,
// default 300s).
func New(budgets Budgets, ttl time.Duration) *Cache {
	mk := func(budget int64) *partitionState {
		return &partitionState{budget: budget, ttl: ttl, entries: make(map[string]*entry)}
	}
	return &Cache{partitions: [partitionCount]*partitionState{
		PartitionProof:          mk(budgets.Proof),
		PartitionSignature:      mk(budgets.Signature),
		PartitionSingletonState: mk(budgets.SingletonState),
		PartitionDifficulty:     mk(budgets.Difficulty),
	}}
}

func (c *Cache) part(p Partition) *partitionState {
	if p < 0 || p >= partitionCount {
		panic("cache: invalid partition")
	}
	return c.partitions[p]
}

// Get returns the cached value for key within partition p, or Miss if
// absent or expired. An expired entry is removed as a side effect, per
// spec §4.4: "On get of an expired entry: remove it, return Miss."
func (c *Cache) Get(p Partition, key string) ([]byte, bool) {
	ps := c.part(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	e, ok := ps.entries[key]
	if !ok {
		ps.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(ps.entries, key)
		ps.used -= e.size
		ps.misses++
		return nil, false
	}
	e.accesses++
	ps.hits++
	return e.value, true
}

// Put stores value under key in partition p, evicting the oldest-inserted
// entry of a sample as often as needed to stay within the partition's byte
// budget. An entry whose own size exceeds the budget is not stored.
func (c *Cache) Put(p Partition, key string, value []byte) {
	ps := c.part(p)
	size := int64(len(key)) + int64(len(value))
	now := time.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if old, exists := ps.entries[key]; exists {
		ps.used -= old.size
		delete(ps.entries, key)
	}

	if ps.budget > 0 && size > ps.budget {
		return
	}

	for ps.budget > 0 && ps.used+size > ps.budget && len(ps.entries) > 0 {
		ps.evictOldestLocked()
	}

	ps.entries[key] = &entry{value: value, insertedAt: now, expiresAt: now.Add(ps.ttl), size: size}
	ps.used += size
}

// evictOldestLocked drops the oldest entry among a sample of the partition,
// not the globally oldest one. Grounded on the teacher's maybePruneLocked:
// sample up to 10% of entries (minimum 8), sort by insertion time, drop the
// single oldest. Age is insertion time only: a Get hit does not refresh it,
// so a frequently read entry is evicted as readily as an unread one. This
// replaces the source's "clear the partition on overflow".
func (ps *partitionState) evictOldestLocked() {
	sampleSize := len(ps.entries) / 10
	if sampleSize < 8 {
		sampleSize = 8
	}
	if sampleSize > len(ps.entries) {
		sampleSize = len(ps.entries)
	}

	type candidate struct {
		key       string
		insertedAt time.Time
	}
	sample := make([]candidate, 0, sampleSize)
	for k, e := range ps.entries {
		sample = append(sample, candidate{key: k, insertedAt: e.insertedAt})
		if len(sample) >= sampleSize {
			break
		}
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i].insertedAt.Before(sample[j].insertedAt) })
	if len(sample) == 0 {
		return
	}
	oldest := sample[0].key
	if e, ok := ps.entries[oldest]; ok {
		ps.used -= e.size
		delete(ps.entries, oldest)
		ps.evictions++
	}
}

// Remove deletes key from partition p if present.
func (c *Cache) Remove(p Partition, key string) {
	ps := c.part(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if e, ok := ps.entries[key]; ok {
		ps.used -= e.size
		delete(ps.entries, key)
	}
}

// Clear empties partition p entirely.
func (c *Cache) Clear(p Partition) {
	ps := c.part(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.entries = make(map[string]*entry)
	ps.used = 0
}

// PartitionStats returns a snapshot of partition p's counters.
func (c *Cache) PartitionStats(p Partition) Stats {
	ps := c.part(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return Stats{
		Hits:        ps.hits,
		Misses:      ps.misses,
		Evictions:   ps.evictions,
		BytesUsed:   ps.used,
		BytesBudget: ps.budget,
	}
}

// AllStats returns every partition's stats keyed by Partition, for the
// stats-log periodic task.
func (c *Cache) AllStats() map[Partition]Stats {
	out := make(map[Partition]Stats, partitionCount)
	for p := Partition(0); p < partitionCount; p++ {
		out[p] = c.PartitionStats(p)
	}
	return out
}
