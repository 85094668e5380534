// Package accounting computes PPS/PPLNS payouts in exact integer base
// units and aggregates credited points (points-per-partial itself is
// computed by the validator), plus the ban list and best-share tracking
// supplemental features. Grounded on the teacher's accounting.go: the
// mutex-guarded map plus atomic-rename persistence pattern is reused
// almost verbatim (banList, writeFileAtomically), with the payload swapped
// from worker/coinbase accounting to points/payouts.
package accounting

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// BaseUnitsPerDisplayUnit is the integer exchange rate spec §4.7 defines:
// "1 XCH-equivalent = 10^12 base units."
const BaseUnitsPerDisplayUnit = 1_000_000_000_000

// PayoutResult is spec §3's Payout Result entity.
type PayoutResult struct {
	FarmerAmount   uint64
	PoolAmount     uint64
	FeeAmount      uint64
	PointsEarned   uint64
	SharePercent   float64 // display only, not used in integer math
}

// feeRat must hold the exact fraction the operator configured, not the
// nearest binary float64 to it: SetFloat64 captures the float's binary
// approximation (0.01 becomes 5764607523034235/576460752303423488), which
// throws off conservation by a base unit on real inputs. Routing through
// the float's shortest round-tripping decimal string instead recovers the
// exact decimal fraction pool_fee was configured as.
func feeRat(poolFee float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(poolFee, 'f', -1, 64))
	if !ok {
		return new(big.Rat).SetFloat64(poolFee)
	}
	return r
}

// ComputePPS implements spec §4.7's PPS formula:
//
//	reward = block_reward * (1 - pool_fee) * (farmer_points / estimated_points_per_block)
//
// zero when estimated_points_per_block == 0. All math is done in exact
// rational arithmetic over base units, then rounded down, so the
// conservation invariant (farmer + pool + fee == block_reward ± rounding)
// holds for any points input and any pool_fee in [0,1]; a share above 1
// (farmer_points > estimated_points_per_block) is capped at 1.
func ComputePPS(blockReward uint64, poolFee float64, farmerPoints, estimatedPointsPerBlock uint64) PayoutResult {
	if estimatedPointsPerBlock == 0 {
		return PayoutResult{PoolAmount: blockReward, FeeAmount: 0}
	}
	share := new(big.Rat).SetFrac(new(big.Int).SetUint64(farmerPoints), new(big.Int).SetUint64(estimatedPointsPerBlock))
	return settle(blockReward, poolFee, share, farmerPoints)
}

// ComputePPLNS implements spec §4.7's PPLNS formula:
//
//	reward = block_reward * (1 - pool_fee) * (farmer_points / total_points_last_N)
//
// zero when the denominator is zero.
func ComputePPLNS(blockReward uint64, poolFee float64, farmerPoints, totalPointsLastN uint64) PayoutResult {
	if totalPointsLastN == 0 {
		return PayoutResult{PoolAmount: blockReward, FeeAmount: 0}
	}
	share := new(big.Rat).SetFrac(new(big.Int).SetUint64(farmerPoints), new(big.Int).SetUint64(totalPointsLastN))
	return settle(blockReward, poolFee, share, farmerPoints)
}

func settle(blockReward uint64, poolFee float64, share *big.Rat, farmerPoints uint64) PayoutResult {
	if share.Cmp(big.NewRat(1, 1)) > 0 {
		share = big.NewRat(1, 1)
	}
	oneMinusFee := new(big.Rat).Sub(big.NewRat(1, 1), feeRat(poolFee))
	rewardAsRat := new(big.Rat).SetInt(new(big.Int).SetUint64(blockReward))
	rewardRat := new(big.Rat).Mul(rewardAsRat, oneMinusFee)
	farmerRat := new(big.Rat).Mul(rewardRat, share)

	// Round down to whole base units, per spec §4.7: "Totals round down to
	// whole base units."
	farmerAmount := new(big.Int).Quo(farmerRat.Num(), farmerRat.Denom())
	farmer := farmerAmount.Uint64()

	// The fee is the difference between block reward and (farmer + pool);
	// compute pool's share as the complement of farmer's share of the
	// post-fee reward, then fee absorbs all rounding remainder so the
	// conservation invariant is exact to the base unit.
	poolRat := new(big.Rat).Sub(rewardRat, farmerRat)
	poolAmount := new(big.Int).Quo(poolRat.Num(), poolRat.Denom())
	pool := poolAmount.Uint64()

	fee := blockReward - farmer - pool
	sharePercent, _ := share.Float64()

	return PayoutResult{
		FarmerAmount: farmer,
		PoolAmount:   pool,
		FeeAmount:    fee,
		PointsEarned: farmerPoints,
		SharePercent: sharePercent,
	}
}

// BestShare tracks the best partial seen so far, per the teacher's
// BestShare tracking feature, adapted from worker-keyed to launcher-id
// keyed.
type BestShare struct {
	LauncherID [32]byte
	Quality    uint64
	Timestamp  time.Time
}

// rollingSample is one credited-points event, kept only long enough to
// answer a trailing-24h query.
type rollingSample struct {
	at     time.Time
	points uint64
}

// rolling24hWindow is the span Points24h sums over, per spec §4.6's
// difficulty feedback input.
const rolling24hWindow = 24 * time.Hour

// Ledger aggregates per-farmer points for payout windows, and owns the
// ban list and best-share tracker. Grounded on the teacher's AccountStore.
type Ledger struct {
	mu      sync.Mutex
	points  map[[32]byte]uint64
	rolling map[[32]byte][]rollingSample
	best    BestShare

	ban *BanList
}

func NewLedger(banPath string) (*Ledger, error) {
	ban, err := NewBanList(banPath)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		points:  make(map[[32]byte]uint64),
		rolling: make(map[[32]byte][]rollingSample),
		ban:     ban,
	}, nil
}

// CreditPoints aggregates points earned by launcherID within the current
// payout window, and records the event for Points24h's trailing-24h sum.
func (l *Ledger) CreditPoints(launcherID [32]byte, points uint64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points[launcherID] += points
	l.rolling[launcherID] = append(pruneRolling(l.rolling[launcherID], now), rollingSample{at: now, points: points})
}

// Points24h returns the points launcherID earned in the trailing 24 hours,
// per spec §4.6's FarmerPoints24h input — unlike the payout window (which
// only advances/resets on a payout pass), this is a true sliding window so
// a farmer who fell quiet always ages back out of the high-rate bucket.
func (l *Ledger) Points24h(launcherID [32]byte, now time.Time) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	samples := pruneRolling(l.rolling[launcherID], now)
	l.rolling[launcherID] = samples
	var total uint64
	for _, s := range samples {
		total += s.points
	}
	return total
}

// pruneRolling drops samples older than rolling24hWindow relative to now.
func pruneRolling(samples []rollingSample, now time.Time) []rollingSample {
	kept := samples[:0]
	for _, s := range samples {
		if now.Sub(s.at) <= rolling24hWindow {
			kept = append(kept, s)
		}
	}
	return kept
}

// WindowPoints returns launcherID's aggregated points this window.
func (l *Ledger) WindowPoints(launcherID [32]byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.points[launcherID]
}

// TotalWindowPoints returns total points credited this window, the PPLNS
// denominator.
func (l *Ledger) TotalWindowPoints() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total uint64
	for _, p := range l.points {
		total += p
	}
	return total
}

// ResetWindow clears the aggregation window, called after a payout pass.
func (l *Ledger) ResetWindow() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = make(map[[32]byte]uint64)
}

// RecordBestShare updates the tracked best share if quality exceeds the
// current best.
func (l *Ledger) RecordBestShare(launcherID [32]byte, quality uint64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if quality > l.best.Quality {
		l.best = BestShare{LauncherID: launcherID, Quality: quality, Timestamp: at}
	}
}

func (l *Ledger) BestShareSnapshot() BestShare {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.best
}

func (l *Ledger) Bans() *BanList { return l.ban }

// BanEntry is one persisted ban record, keyed by launcher-id rather than
// the teacher's worker name (see SPEC_FULL.md §C).
type BanEntry struct {
	LauncherID [32]byte  `json:"launcher_id"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason"`
}

// BanList holds persisted bans and synchronizes access via an RWMutex,
// adapted near-verbatim from the teacher's banList (same mutex-guarded
// map, same atomic-rename persistence), keyed here by launcher-id.
type BanList struct {
	mu      sync.RWMutex
	entries map[[32]byte]BanEntry
	path    string
}

func NewBanList(path string) (*BanList, error) {
	bl := &BanList{entries: make(map[[32]byte]BanEntry), path: path}
	if err := bl.load(); err != nil {
		return nil, err
	}
	return bl, nil
}

func (b *BanList) load() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var entries []BanEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if e.Until.IsZero() || now.Before(e.Until) {
			b.entries[e.LauncherID] = e
		}
	}
	return nil
}

// MarkBan bans launcherID until the given time, or unbans it if until is
// zero.
func (b *BanList) MarkBan(launcherID [32]byte, until time.Time, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.IsZero() {
		delete(b.entries, launcherID)
		return b.persistLocked()
	}
	b.entries[launcherID] = BanEntry{LauncherID: launcherID, Until: until, Reason: reason}
	return b.persistLocked()
}

func (b *BanList) persistLocked() error {
	if b.path == "" {
		return nil
	}
	now := time.Now()
	entries := make([]BanEntry, 0, len(b.entries))
	for k, e := range b.entries {
		if !e.Until.IsZero() && now.After(e.Until) {
			delete(b.entries, k)
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove ban file: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return writeFileAtomically(b.path, data)
}

// Lookup reports whether launcherID is currently banned.
func (b *BanList) Lookup(launcherID [32]byte) (BanEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[launcherID]
	if !ok {
		return BanEntry{}, false
	}
	if !e.Until.IsZero() && time.Now().After(e.Until) {
		return BanEntry{}, false
	}
	return e, true
}

// writeFileAtomically writes data to a temp file and renames it over path,
// matching the teacher's writeFileAtomically exactly in shape.
func writeFileAtomically(path string, data []byte) error {
	tmp := path + ".tmp"
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
