package main

import (
	"sync/atomic"

	"pospacepool/validator"
)

// poolStats holds the process-wide atomic counters spec §5 calls for:
// "statistics counters: atomic increments; logging reads a snapshot." One
// instance lives on the orchestrator context for the life of the process.
// It implements validator.Counters directly, so no translation layer sits
// between a validator worker's outcome and the numbers an operator reads.
type poolStats struct {
	totalFarmers  atomic.Int64
	totalPartials atomic.Uint64
	validPartials atomic.Uint64
	totalPoints   atomic.Uint64

	rejectTooLate           atomic.Uint64
	rejectDuplicate         atomic.Uint64
	rejectInvalidSingleton  atomic.Uint64
	rejectInvalidSignature  atomic.Uint64
	rejectInvalidProof      atomic.Uint64
	rejectInvalidChallenge  atomic.Uint64
	rejectInternalError     atomic.Uint64

	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	cacheEvictions atomic.Uint64

	blocksFound      atomic.Uint64
	difficultyTicks  atomic.Uint64
	difficultyClamps atomic.Uint64

	queueFullRejects atomic.Uint64
}

// statsSnapshot is the read-only view handed to the stats-log periodic task
// and to the farmer-facing GET /stats handler.
type statsSnapshot struct {
	TotalFarmers  int64
	TotalPartials uint64
	ValidPartials uint64
	TotalPoints   uint64

	RejectTooLate          uint64
	RejectDuplicate        uint64
	RejectInvalidSingleton uint64
	RejectInvalidSignature uint64
	RejectInvalidProof     uint64
	RejectInvalidChallenge uint64
	RejectInternalError    uint64

	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64

	BlocksFound      uint64
	DifficultyTicks  uint64
	DifficultyClamps uint64

	QueueFullRejects uint64
}

// StatsSnapshot implements the orchestrator's Metrics interface (and, in
// turn, api.StatsProvider/opsapi.Controls) by exposing the snapshot as an
// untyped value, so neither HTTP surface needs to import package main.
func (s *poolStats) StatsSnapshot() any { return s.snapshot() }

func (s *poolStats) snapshot() statsSnapshot {
	return statsSnapshot{
		TotalFarmers:           s.totalFarmers.Load(),
		TotalPartials:          s.totalPartials.Load(),
		ValidPartials:          s.validPartials.Load(),
		TotalPoints:            s.totalPoints.Load(),
		RejectTooLate:          s.rejectTooLate.Load(),
		RejectDuplicate:        s.rejectDuplicate.Load(),
		RejectInvalidSingleton: s.rejectInvalidSingleton.Load(),
		RejectInvalidSignature: s.rejectInvalidSignature.Load(),
		RejectInvalidProof:     s.rejectInvalidProof.Load(),
		RejectInvalidChallenge: s.rejectInvalidChallenge.Load(),
		RejectInternalError:    s.rejectInternalError.Load(),
		CacheHits:              s.cacheHits.Load(),
		CacheMisses:            s.cacheMisses.Load(),
		CacheEvictions:         s.cacheEvictions.Load(),
		BlocksFound:            s.blocksFound.Load(),
		DifficultyTicks:        s.difficultyTicks.Load(),
		DifficultyClamps:       s.difficultyClamps.Load(),
		QueueFullRejects:       s.queueFullRejects.Load(),
	}
}

// RecordValid implements validator.Counters.
func (s *poolStats) RecordValid() {
	s.totalPartials.Add(1)
	s.validPartials.Add(1)
}

// RecordRejection implements validator.Counters: it bumps the shared
// partials-seen counter plus the per-kind counter named by kind, per spec
// §4.2: "On any rejection, only the invalid counter and the per-kind
// counter are incremented."
func (s *poolStats) RecordRejection(kind validator.RejectKind) {
	s.totalPartials.Add(1)
	switch kind {
	case validator.RejectTooLate:
		s.rejectTooLate.Add(1)
	case validator.RejectDuplicate:
		s.rejectDuplicate.Add(1)
	case validator.RejectInvalidSingleton:
		s.rejectInvalidSingleton.Add(1)
	case validator.RejectInvalidSignature:
		s.rejectInvalidSignature.Add(1)
	case validator.RejectInvalidProof:
		s.rejectInvalidProof.Add(1)
	case validator.RejectInvalidChallenge:
		s.rejectInvalidChallenge.Add(1)
	case validator.RejectInternalError:
		s.rejectInternalError.Add(1)
	}
}

func (s *poolStats) RecordCacheHit()      { s.cacheHits.Add(1) }
func (s *poolStats) RecordCacheMiss()     { s.cacheMisses.Add(1) }
func (s *poolStats) RecordCacheEviction() { s.cacheEvictions.Add(1) }
func (s *poolStats) RecordBlockFound()    { s.blocksFound.Add(1) }
func (s *poolStats) RecordDifficultyTick(clamped bool) {
	s.difficultyTicks.Add(1)
	if clamped {
		s.difficultyClamps.Add(1)
	}
}
func (s *poolStats) RecordQueueFullReject() { s.queueFullRejects.Add(1) }

func (s *poolStats) RecordFarmerSeen(delta int64) { s.totalFarmers.Add(delta) }
