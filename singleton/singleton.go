// Package singleton implements the in-memory launcher-id -> Singleton
// registry of spec §4.5: many concurrent readers, short per-entry exclusive
// writes, and a sync hook that asks the blockchain collaborator to refresh
// one singleton's on-chain state. Grounded on the teacher's in-memory
// registry pattern (map + mutex, Add/Remove/Snapshot), generalized here to
// per-key locking so one farmer's write never blocks another's read.
package singleton

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("singleton: launcher-id not found")
	ErrNotPoolMember = errors.New("singleton: not a pool member")
)

// Singleton is the per-farmer on-chain coin state of spec §3's data model.
type Singleton struct {
	LauncherID        [32]byte
	PuzzleHash        [32]byte
	OwnerPublicKey    [48]byte
	TotalPoints       uint64
	CurrentDifficulty uint64
	LastPartialTime   time.Time
	PoolMember        bool
	PendingBalance    uint64 // base units
	RelativeLockHeight uint32
}

type entry struct {
	mu sync.RWMutex
	s  Singleton
}

// ChainSyncer is the narrow slice of the blockchain collaborator the
// registry needs to refresh a singleton's state. Implemented by the
// blockchain package; kept as an interface here so singleton has no import
// dependency on transport concerns.
type ChainSyncer interface {
	SyncSingleton(ctx context.Context, launcherID [32]byte) (Singleton, error)
}

// Registry is the launcher-id -> Singleton map. One instance is owned
// exclusively by the Pool Orchestrator (spec §3's ownership rule); workers
// only ever see it through the validator's Lookup/Sync/CreditPoints.
type Registry struct {
	mu      sync.RWMutex
	entries map[[32]byte]*entry
	chain   ChainSyncer
}

func New(chain ChainSyncer) *Registry {
	return &Registry{entries: make(map[[32]byte]*entry), chain: chain}
}

func (r *Registry) getOrCreateLocked(id [32]byte) *entry {
	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	return e
}

// Lookup returns a copy of the current singleton state for id, or
// ErrNotFound if the registry has never seen it.
func (r *Registry) Lookup(id [32]byte) (Singleton, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Singleton{}, ErrNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.s, nil
}

// Upsert inserts or replaces the full state for s.LauncherID. Used on first
// observation (spec §3: "created on first observation... or from the first
// partial carrying a new launcher-id") and when loading persisted state at
// startup.
func (r *Registry) Upsert(s Singleton) {
	r.mu.Lock()
	e := r.getOrCreateLocked(s.LauncherID)
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.s = s
}

// Sync asks the chain collaborator to refresh launcherID's on-chain state
// and stores the result. For a launcher-id already in the registry, the
// pool-side fields the chain does not report (total points, last partial
// time, and a difficulty or owner key the chain returns as zero) are kept.
// Called from the orchestrator's periodic chain-sync task and from the
// validator's stage 3, on the worker goroutine, for an unknown launcher-id.
func (r *Registry) Sync(ctx context.Context, launcherID [32]byte) error {
	if r.chain == nil {
		return errors.New("singleton: no chain syncer configured")
	}
	fresh, err := r.chain.SyncSingleton(ctx, launcherID)
	if err != nil {
		return err
	}
	fresh.LauncherID = launcherID
	r.mu.Lock()
	e := r.getOrCreateLocked(launcherID)
	r.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.LauncherID == launcherID {
		fresh.TotalPoints, fresh.LastPartialTime = e.s.TotalPoints, e.s.LastPartialTime
		if fresh.CurrentDifficulty == 0 {
			fresh.CurrentDifficulty = e.s.CurrentDifficulty
		}
		if fresh.OwnerPublicKey == ([48]byte{}) {
			fresh.OwnerPublicKey = e.s.OwnerPublicKey
		}
	}
	e.s = fresh
	return nil
}

// CreditPoints atomically applies a valid partial's effects to the
// singleton's accounting fields: total_points += points, last_partial_time
// = now. Spec §4.2.b/§4.5 require this be atomic with respect to
// concurrent reads from the difficulty controller.
func (r *Registry) CreditPoints(id [32]byte, points uint64, now time.Time) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.TotalPoints += points
	e.s.LastPartialTime = now
	return nil
}

// MarkAbsorbed records that amount base units were absorbed into the
// singleton's on-chain balance, per spec §4.5's mark_absorbed.
func (r *Registry) MarkAbsorbed(id [32]byte, amount uint64) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.PendingBalance += amount
	return nil
}

// SetDifficulty applies a difficulty-controller tick's new value.
func (r *Registry) SetDifficulty(id [32]byte, newDifficulty uint64) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.CurrentDifficulty = newDifficulty
	return nil
}

// CanExit reports whether id's singleton has cleared its relative lock
// height and may leave the pool (spec §4.5: "Exit-from-pool is gated on
// relative_lock_height == 0").
func (r *Registry) CanExit(id [32]byte) (bool, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return false, err
	}
	return s.RelativeLockHeight == 0, nil
}

// Len returns the number of known singletons, for the stats snapshot's
// total_farmers figure.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a point-in-time copy of every singleton, for the sync
// periodic task to iterate over without holding the registry lock.
func (r *Registry) Snapshot() []Singleton {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Singleton, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.s)
		e.mu.RUnlock()
	}
	return out
}
