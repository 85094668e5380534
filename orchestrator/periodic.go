package orchestrator

import (
	"context"
	"time"

	"pospacepool/cache"
	"pospacepool/difficulty"
)

// chainSyncTick asks the blockchain collaborator for current state and
// refreshes every known singleton from the chain, per spec §4's "periodic
// worker asks Blockchain collaborator for tip/height/coin records, updates
// Singleton Registry."
func (o *Orchestrator) chainSyncTick(ctx context.Context) {
	state, err := o.chain.GetBlockchainState(ctx)
	if err != nil {
		o.logf("chain sync: GetBlockchainState: %v", err)
		return
	}
	if state.IsSyncing {
		o.logf("chain sync: node syncing, progress=%.2f%%", state.Progress*100)
	}

	for _, sgl := range o.registry.Snapshot() {
		if err := o.registry.Sync(ctx, sgl.LauncherID); err != nil {
			o.logf("chain sync: refresh singleton %x: %v", sgl.LauncherID, err)
		}
	}
}

// ForceSyncTick lets the operator control plane trigger an out-of-band
// chain sync pass immediately, independent of the regular cadence.
func (o *Orchestrator) ForceSyncTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.chainSyncTick(ctx)
}

// statsLogTick logs a snapshot of the process counters, per spec §5:
// "logging reads a snapshot" on its own cadence independent of ingestion.
func (o *Orchestrator) statsLogTick(ctx context.Context) {
	o.logf("stats snapshot: %+v", o.metrics.StatsSnapshot())
}

// cacheSweepTick has no explicit eviction work to do beyond what Get/Put
// already perform lazily; it folds each partition's counters into the
// process-wide metrics and logs partition pressure so an operator notices
// a budget that's chronically full, per spec §9's cache-pressure
// notification requirement. Counters are cumulative on the cache side, so
// only the delta since the last tick is added to the metrics totals.
func (o *Orchestrator) cacheSweepTick(ctx context.Context) {
	if o.lastCacheStats == nil {
		o.lastCacheStats = make(map[cache.Partition]cache.Stats)
	}
	for partition, stats := range o.cache.AllStats() {
		prev := o.lastCacheStats[partition]
		for i := uint64(0); i < cappedDelta(stats.Hits, prev.Hits); i++ {
			o.metrics.RecordCacheHit()
		}
		for i := uint64(0); i < cappedDelta(stats.Misses, prev.Misses); i++ {
			o.metrics.RecordCacheMiss()
		}
		for i := uint64(0); i < cappedDelta(stats.Evictions, prev.Evictions); i++ {
			o.metrics.RecordCacheEviction()
		}
		o.lastCacheStats[partition] = stats

		if stats.BytesBudget <= 0 {
			continue
		}
		usedPercent := float64(stats.BytesUsed) / float64(stats.BytesBudget) * 100
		if usedPercent >= 90 {
			o.notifier.NotifyCachePressure(partition.String(), usedPercent)
		}
	}
}

// sessionSweepTick removes expired farmer sessions, per spec §4's session
// lifecycle: "destroyed by ... expiry, or cleanup sweep."
func (o *Orchestrator) sessionSweepTick(ctx context.Context) {
	removed := o.sessions.Sweep(time.Now())
	if removed > 0 {
		o.logf("session sweep: removed %d expired sessions", removed)
	}
}

// cappedDelta returns cur-prev, or 0 if cur < prev (a Clear() reset the
// counter since the last tick).
func cappedDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// difficultyTick runs the per-farmer difficulty feedback loop of spec §4.6
// over every pool member, throttled by diffThrottle so a given singleton is
// reassessed at most once per the throttle's interval regardless of how
// often this task itself runs (main.go uses the same 9s interval for both).
func (o *Orchestrator) difficultyTick(ctx context.Context) {
	now := time.Now()
	for _, sgl := range o.registry.Snapshot() {
		if !sgl.PoolMember {
			continue
		}
		if !o.diffThrottle.Allow(sgl.LauncherID, now) {
			continue
		}
		result := difficulty.Adjust(difficulty.Input{
			TargetPartialsPerDay: o.cfg.TargetPartialsPerDay,
			CurrentDifficulty:    sgl.CurrentDifficulty,
			FarmerPoints24h:      o.ledger.Points24h(sgl.LauncherID, now),
			TimeSinceLastPartial: now.Sub(sgl.LastPartialTime),
			MinDifficulty:        o.cfg.MinDifficulty,
			MaxDifficulty:        o.cfg.MaxDifficulty,
		})
		if result.NewDifficulty != sgl.CurrentDifficulty {
			o.registry.SetDifficulty(sgl.LauncherID, result.NewDifficulty)
		}
		o.metrics.RecordDifficultyTick(result.Clamped)
	}
}
