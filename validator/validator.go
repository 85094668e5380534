// Package validator implements the multi-stage partial state machine of
// spec §4.2: six ordered, short-circuiting stages that classify every
// partial into exactly one outcome. Grounded on the teacher's
// processSubmissionTask/processRegularShare (miner_submit_process.go) —
// the same ordered short-circuit-with-reject-reason shape — and
// miner_duplicates.go's bounded, FIFO-evicted duplicate-detection set.
package validator

import (
	"context"
	"encoding/binary"
	"math/big"
	"time"

	sha256simd "github.com/minio/sha256-simd"

	"pospacepool/cache"
	"pospacepool/cryptoverify"
	"pospacepool/singleton"
)

// RejectKind enumerates the rejection kinds of spec §4.2/§7's
// PartialRejection taxonomy.
type RejectKind int

const (
	RejectNone RejectKind = iota
	RejectTooLate
	RejectDuplicate
	RejectInvalidSingleton
	RejectInvalidSignature
	RejectInvalidProof
	RejectInvalidChallenge
	RejectInternalError
)

func (k RejectKind) String() string {
	switch k {
	case RejectTooLate:
		return "TooLate"
	case RejectDuplicate:
		return "Duplicate"
	case RejectInvalidSingleton:
		return "InvalidSingleton"
	case RejectInvalidSignature:
		return "InvalidSignature"
	case RejectInvalidProof:
		return "InvalidProof"
	case RejectInvalidChallenge:
		return "InvalidChallenge"
	case RejectInternalError:
		return "InternalError"
	default:
		return "None"
	}
}

// Partial is the wire-independent shape of a submitted partial, per spec
// §3's data model (the canonical superset partial_t: proof up to 368
// bytes, k-size as u8, no farmer-id field — derived from the singleton
// looked up by LauncherID instead).
type Partial struct {
	LauncherID        [32]byte
	Challenge         [32]byte
	Proof             []byte
	Signature         [96]byte
	ReceiveTimestamp  time.Time
	NominalDifficulty uint64
	KSize             uint8
}

// Outcome is the terminal state machine result for one partial.
type Outcome struct {
	Valid  bool
	Reject RejectKind
	Points uint64
}

// ChallengeWindow is what the blockchain collaborator supplies for stage 6
// (Challenge Binding): the currently-active challenge, the immediately
// prior one, and the sub-slot-iterations parameter the proof verifier
// needs. Stage 6 accepts Previous with no time limit of its own; the window
// carries no rotation time to measure a grace period against.
type ChallengeWindow struct {
	Current           [32]byte
	Previous          [32]byte
	SubSlotIterations uint64
}

// ChainState is the narrow slice of the blockchain collaborator the
// validator consumes for challenge binding.
type ChainState interface {
	CurrentChallengeWindow() ChallengeWindow
}

// Registry is the slice of the singleton registry the validator needs.
type Registry interface {
	Lookup(id [32]byte) (singleton.Singleton, error)
	Sync(ctx context.Context, id [32]byte) error
	CreditPoints(id [32]byte, points uint64, now time.Time) error
}

// DifficultyTicker receives a difficulty-tick event per spec §4.2.c, fed
// to the Difficulty Controller's periodic pass.
type DifficultyTicker interface {
	Enqueue(launcherID [32]byte)
}

// Counters records per-kind rejection and valid/total counts (spec
// §4.2/§5: "Statistics counters: atomic increments").
type Counters interface {
	RecordValid()
	RecordRejection(kind RejectKind)
}

const (
	defaultPartialDeadline = 28 * time.Second
	// dedupCapacity bounds the duplicate-detection set's memory, same idea
	// as the teacher's bounded duplicateShareSet.
	dedupCapacity = 1 << 16
)

// Validator runs the six-stage state machine of spec §4.2. One instance is
// shared read-only across all worker goroutines; its only mutable state is
// the dedup set, which is internally synchronized.
type Validator struct {
	cache            *cache.Cache
	registry         Registry
	chain            ChainState
	ticker           DifficultyTicker
	counters         Counters
	partialDeadline  time.Duration
	dedup            *dedupSet
}

// New constructs a Validator. partialDeadline is spec §4.2's configured
// partial_deadline (default 28s); it is also used as the duplicate window
// (spec §4.2 stage 2) and as the timeout of stage 3's chain lookup.
func New(c *cache.Cache, registry Registry, chain ChainState, ticker DifficultyTicker, counters Counters, partialDeadline time.Duration) *Validator {
	if partialDeadline <= 0 {
		partialDeadline = defaultPartialDeadline
	}
	return &Validator{
		cache:           c,
		registry:        registry,
		chain:           chain,
		ticker:          ticker,
		counters:        counters,
		partialDeadline: partialDeadline,
		dedup:           newDedupSet(dedupCapacity, partialDeadline),
	}
}

// Validate runs the full six-stage pipeline for p, applying VALID effects
// (point credit, difficulty tick, counters) or incrementing the
// appropriate rejection counter. now is the validator's notion of current
// time, threaded through explicitly so tests can control it.
func (v *Validator) Validate(ctx context.Context, p Partial, now time.Time) Outcome {
	if reject := v.checkFreshness(p, now); reject != RejectNone {
		return v.reject(reject)
	}
	if reject := v.checkDuplicate(p, now); reject != RejectNone {
		return v.reject(reject)
	}
	sgl, reject := v.checkSingletonMembership(ctx, p)
	if reject != RejectNone {
		return v.reject(reject)
	}

	// Tie-break per spec §4.2: "if both signature and proof could fail, the
	// earliest-listed stage wins (signature reported)." Evaluating
	// signature before proof already gives us that ordering for free.
	if reject := v.checkSignature(p, sgl); reject != RejectNone {
		return v.reject(reject)
	}
	quality, reject := v.checkProofOfSpace(p, sgl)
	if reject != RejectNone {
		return v.reject(reject)
	}
	if reject := v.checkChallengeBinding(p); reject != RejectNone {
		return v.reject(reject)
	}

	points := pointsForQuality(quality, sgl.CurrentDifficulty)
	if err := v.registry.CreditPoints(p.LauncherID, points, now); err != nil {
		return v.reject(RejectInternalError)
	}
	if v.ticker != nil {
		v.ticker.Enqueue(p.LauncherID)
	}
	if v.counters != nil {
		v.counters.RecordValid()
	}
	return Outcome{Valid: true, Points: points}
}

func (v *Validator) reject(kind RejectKind) Outcome {
	if v.counters != nil {
		v.counters.RecordRejection(kind)
	}
	return Outcome{Valid: false, Reject: kind}
}

// checkFreshness is stage 1.
func (v *Validator) checkFreshness(p Partial, now time.Time) RejectKind {
	if now.Sub(p.ReceiveTimestamp) > v.partialDeadline {
		return RejectTooLate
	}
	return RejectNone
}

// checkDuplicate is stage 2.
func (v *Validator) checkDuplicate(p Partial, now time.Time) RejectKind {
	key := duplicateKey(p)
	if v.dedup.seenOrRecord(key, now) {
		return RejectDuplicate
	}
	return RejectNone
}

func duplicateKey(p Partial) [32]byte {
	h := sha256simd.New()
	h.Write(p.LauncherID[:])
	h.Write(p.Challenge[:])
	if len(p.Proof) >= 32 {
		h.Write(p.Proof[:32])
	} else {
		h.Write(p.Proof)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// checkSingletonMembership is stage 3.
func (v *Validator) checkSingletonMembership(ctx context.Context, p Partial) (singleton.Singleton, RejectKind) {
	sgl, err := v.registry.Lookup(p.LauncherID)
	if err != nil {
		// Bounded chain lookup: the sync call runs on the caller's
		// goroutine (a validator worker, when called from the
		// orchestrator), so it is given a timeout of one partial deadline
		// on top of whatever bound ctx already carries.
		syncCtx, cancel := context.WithTimeout(ctx, v.partialDeadline)
		syncErr := v.registry.Sync(syncCtx, p.LauncherID)
		cancel()
		if syncErr != nil {
			return singleton.Singleton{}, RejectInvalidSingleton
		}
		sgl, err = v.registry.Lookup(p.LauncherID)
		if err != nil {
			return singleton.Singleton{}, RejectInvalidSingleton
		}
	}
	if !sgl.PoolMember {
		return singleton.Singleton{}, RejectInvalidSingleton
	}
	return sgl, RejectNone
}

// checkSignature is stage 4.
func (v *Validator) checkSignature(p Partial, sgl singleton.Singleton) RejectKind {
	msg := signingMessage(p)
	cacheKey := signatureCacheKey(sgl.OwnerPublicKey[:], msg, p.Signature[:])

	if cached, ok := v.cache.Get(cache.PartitionSignature, cacheKey); ok {
		if len(cached) == 1 && cached[0] == 1 {
			return RejectNone
		}
		return RejectInvalidSignature
	}

	ok := cryptoverify.BLSVerify(sgl.OwnerPublicKey[:], msg, p.Signature[:])
	if ok {
		v.cache.Put(cache.PartitionSignature, cacheKey, []byte{1})
		return RejectNone
	}
	v.cache.Put(cache.PartitionSignature, cacheKey, []byte{0})
	return RejectInvalidSignature
}

// signingMessage builds launcher-id || challenge || proof[0:32] ||
// receive-timestamp (little-endian u64), per spec §4.2 stage 4.
func signingMessage(p Partial) []byte {
	msg := make([]byte, 0, 32+32+32+8)
	msg = append(msg, p.LauncherID[:]...)
	msg = append(msg, p.Challenge[:]...)
	if len(p.Proof) >= 32 {
		msg = append(msg, p.Proof[:32]...)
	} else {
		padded := make([]byte, 32)
		copy(padded, p.Proof)
		msg = append(msg, padded...)
	}
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(p.ReceiveTimestamp.Unix()))
	msg = append(msg, tsBuf[:]...)
	return msg
}

func signatureCacheKey(pubkey, msg, sig []byte) string {
	h := sha256simd.New()
	h.Write(pubkey)
	h.Write(msg)
	h.Write(sig)
	return string(h.Sum(nil))
}

// checkProofOfSpace is stage 5.
func (v *Validator) checkProofOfSpace(p Partial, sgl singleton.Singleton) (cryptoverify.ProofResult, RejectKind) {
	cacheKey := proofCacheKey(p.Proof, p.Challenge)
	if cached, ok := v.cache.Get(cache.PartitionProof, cacheKey); ok {
		result, ok := decodeProofResult(cached)
		if !ok {
			return cryptoverify.ProofResult{}, RejectInvalidProof
		}
		return result, RejectNone
	}

	params := cryptoverify.ProofParams{
		Challenge:    p.Challenge,
		KSize:        p.KSize,
		Difficulty:   sgl.CurrentDifficulty,
	}
	if v.chain != nil {
		params.SubSlotIters = v.chain.CurrentChallengeWindow().SubSlotIterations
	}
	result, invalid := cryptoverify.ProofVerify(p.Proof, params)
	if invalid != cryptoverify.InvalidNone {
		return cryptoverify.ProofResult{}, RejectInvalidProof
	}
	v.cache.Put(cache.PartitionProof, cacheKey, encodeProofResult(result))
	return result, RejectNone
}

func proofCacheKey(proof []byte, challenge [32]byte) string {
	h := sha256simd.New()
	h.Write(proof)
	h.Write(challenge[:])
	return string(h.Sum(nil))
}

func encodeProofResult(r cryptoverify.ProofResult) []byte {
	buf := make([]byte, 8+8+32+1)
	binary.BigEndian.PutUint64(buf[0:8], r.Quality)
	binary.BigEndian.PutUint64(buf[8:16], r.Iterations)
	copy(buf[16:48], r.PlotID[:])
	buf[48] = r.KSize
	return buf
}

func decodeProofResult(buf []byte) (cryptoverify.ProofResult, bool) {
	if len(buf) != 8+8+32+1 {
		return cryptoverify.ProofResult{}, false
	}
	var r cryptoverify.ProofResult
	r.Quality = binary.BigEndian.Uint64(buf[0:8])
	r.Iterations = binary.BigEndian.Uint64(buf[8:16])
	copy(r.PlotID[:], buf[16:48])
	r.KSize = buf[48]
	return r, true
}

// checkChallengeBinding is stage 6.
func (v *Validator) checkChallengeBinding(p Partial) RejectKind {
	if v.chain == nil {
		return RejectNone
	}
	window := v.chain.CurrentChallengeWindow()
	if p.Challenge == window.Current {
		return RejectNone
	}
	if p.Challenge == window.Previous {
		return RejectNone
	}
	return RejectInvalidChallenge
}

// pointsForQuality computes points = (quality * 1e6) / difficulty, clamped
// to at least 1, per spec §4.2.a.
func pointsForQuality(quality cryptoverify.ProofResult, difficulty uint64) uint64 {
	if difficulty == 0 {
		difficulty = 1
	}
	num := new(big.Int).Mul(new(big.Int).SetUint64(quality.Quality), big.NewInt(1_000_000))
	points := new(big.Int).Div(num, new(big.Int).SetUint64(difficulty))
	if points.Sign() <= 0 {
		return 1
	}
	if !points.IsUint64() {
		return ^uint64(0)
	}
	return points.Uint64()
}
