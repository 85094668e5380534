package main

import (
	"testing"

	"pospacepool/validator"
)

func TestPoolStatsRecordValidIncrementsTotalsAndValid(t *testing.T) {
	s := &poolStats{}
	s.RecordValid()
	s.RecordValid()

	snap := s.snapshot()
	if snap.TotalPartials != 2 || snap.ValidPartials != 2 {
		t.Fatalf("snapshot = %+v, want TotalPartials=2 ValidPartials=2", snap)
	}
}

func TestPoolStatsRecordRejectionBumpsTotalAndPerKind(t *testing.T) {
	s := &poolStats{}
	s.RecordRejection(validator.RejectTooLate)
	s.RecordRejection(validator.RejectInvalidProof)
	s.RecordRejection(validator.RejectInvalidProof)

	snap := s.snapshot()
	if snap.TotalPartials != 3 {
		t.Fatalf("TotalPartials = %d, want 3", snap.TotalPartials)
	}
	if snap.ValidPartials != 0 {
		t.Fatalf("ValidPartials = %d, want 0", snap.ValidPartials)
	}
	if snap.RejectTooLate != 1 {
		t.Fatalf("RejectTooLate = %d, want 1", snap.RejectTooLate)
	}
	if snap.RejectInvalidProof != 2 {
		t.Fatalf("RejectInvalidProof = %d, want 2", snap.RejectInvalidProof)
	}
}

func TestPoolStatsRecordRejectionUnknownKindLeavesPerKindCountersUntouched(t *testing.T) {
	s := &poolStats{}
	s.RecordRejection(validator.RejectNone)

	snap := s.snapshot()
	if snap.TotalPartials != 1 {
		t.Fatalf("TotalPartials = %d, want 1", snap.TotalPartials)
	}
	if snap.RejectTooLate+snap.RejectDuplicate+snap.RejectInvalidSingleton+snap.RejectInvalidSignature+
		snap.RejectInvalidProof+snap.RejectInvalidChallenge+snap.RejectInternalError != 0 {
		t.Fatalf("expected no per-kind counter bumped for RejectNone, got %+v", snap)
	}
}

func TestPoolStatsRecordDifficultyTickTracksClamps(t *testing.T) {
	s := &poolStats{}
	s.RecordDifficultyTick(false)
	s.RecordDifficultyTick(true)
	s.RecordDifficultyTick(true)

	snap := s.snapshot()
	if snap.DifficultyTicks != 3 {
		t.Fatalf("DifficultyTicks = %d, want 3", snap.DifficultyTicks)
	}
	if snap.DifficultyClamps != 2 {
		t.Fatalf("DifficultyClamps = %d, want 2", snap.DifficultyClamps)
	}
}

func TestPoolStatsRecordFarmerSeenAcceptsNegativeDelta(t *testing.T) {
	s := &poolStats{}
	s.RecordFarmerSeen(5)
	s.RecordFarmerSeen(-2)

	if got := s.snapshot().TotalFarmers; got != 3 {
		t.Fatalf("TotalFarmers = %d, want 3", got)
	}
}

func TestPoolStatsCacheAndQueueCounters(t *testing.T) {
	s := &poolStats{}
	s.RecordCacheHit()
	s.RecordCacheHit()
	s.RecordCacheMiss()
	s.RecordCacheEviction()
	s.RecordQueueFullReject()
	s.RecordBlockFound()

	snap := s.snapshot()
	if snap.CacheHits != 2 || snap.CacheMisses != 1 || snap.CacheEvictions != 1 {
		t.Fatalf("cache counters = %+v", snap)
	}
	if snap.QueueFullRejects != 1 {
		t.Fatalf("QueueFullRejects = %d, want 1", snap.QueueFullRejects)
	}
	if snap.BlocksFound != 1 {
		t.Fatalf("BlocksFound = %d, want 1", snap.BlocksFound)
	}
}

func TestPoolStatsStatsSnapshotReturnsSameData(t *testing.T) {
	s := &poolStats{}
	s.RecordValid()

	got, ok := s.StatsSnapshot().(statsSnapshot)
	if !ok {
		t.Fatalf("StatsSnapshot() returned %T, want statsSnapshot", s.StatsSnapshot())
	}
	if got.ValidPartials != 1 {
		t.Fatalf("ValidPartials = %d, want 1", got.ValidPartials)
	}
}
