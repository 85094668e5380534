// Package difficulty implements the per-farmer difficulty feedback loop of
// spec §4.6: a deliberately conservative multiplicative controller that
// nudges each farmer's difficulty toward a target submission rate.
// Grounded on the teacher's vardiff intent in miner_difficulty_memory.go
// and the adjust-no-more-than-once-per-interval throttling idiom from
// miner_submit_process.go's maybeAdjustDifficulty.
package difficulty

import (
	"sync"
	"time"
)

// Input is one tick's feedback-loop parameters, per spec §4.6.
type Input struct {
	TargetPartialsPerDay uint64
	CurrentDifficulty    uint64
	FarmerPoints24h      uint64
	TimeSinceLastPartial time.Duration
	MinDifficulty        uint64
	MaxDifficulty        uint64
}

// Result is the controller's decision for one tick.
type Result struct {
	NewDifficulty uint64
	Clamped       bool
}

// Adjust applies spec §4.6's update rule:
//   - farmer_points_24h < target*1e3  -> new = current * 0.8
//   - farmer_points_24h > 2*target*1e3 -> new = current * 1.2
//   - otherwise unchanged
//
// then clamps to [min, max], reporting whether clamping occurred.
func Adjust(in Input) Result {
	lowThreshold := in.TargetPartialsPerDay * 1000
	highThreshold := 2 * in.TargetPartialsPerDay * 1000

	newDiff := in.CurrentDifficulty
	switch {
	case in.FarmerPoints24h < lowThreshold:
		newDiff = uint64(float64(in.CurrentDifficulty) * 0.8)
	case in.FarmerPoints24h > highThreshold:
		newDiff = uint64(float64(in.CurrentDifficulty) * 1.2)
	}

	clamped := false
	if in.MinDifficulty > 0 && newDiff < in.MinDifficulty {
		newDiff = in.MinDifficulty
		clamped = true
	}
	if in.MaxDifficulty > 0 && newDiff > in.MaxDifficulty {
		newDiff = in.MaxDifficulty
		clamped = true
	}
	return Result{NewDifficulty: newDiff, Clamped: clamped}
}

// Throttle enforces spec §4.6's "applied no more frequently than once per
// configurable adjustment interval" rule, per farmer. Grounded on the
// teacher's minDiffChangeInterval throttling in miner_submit_process.go.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	lastTick map[[32]byte]time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, lastTick: make(map[[32]byte]time.Time)}
}

// Allow reports whether launcherID may be adjusted at now, recording now as
// the new last-tick time if so.
func (t *Throttle) Allow(launcherID [32]byte, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastTick[launcherID]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastTick[launcherID] = now
	return true
}
