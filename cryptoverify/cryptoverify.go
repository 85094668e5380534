// Package cryptoverify is the stateless façade over BLS12-381 signature
// verification and proof-of-space quality/iterations validation. Every
// exported function here is pure: no hidden state beyond immutable
// precomputed domain-separation tags, so the validator's hot path can call
// these from any worker goroutine without coordination.
package cryptoverify

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/remeh/sizedwaitgroup"
	"github.com/supranational/blst/bindings/go"
)

const (
	PublicKeySize = 48
	SignatureSize = 96
	PrivateKeySize = 32

	// MinKSize and MaxKSize bound the accepted plot k-size (spec §3: "plot
	// k-size ∈ [25,50]").
	MinKSize = 25
	MaxKSize = 50

	// MaxProofSize is the superset proof blob size settled by the canonical
	// partial_t decision (368 bytes; see the design ledger's resolution of
	// the two incompatible proof sizes found in the source).
	MaxProofSize = 368
)

// domainSeparationTag pins this pool's BLS signatures to this protocol,
// matching the chain's own minimum-pubkey-size ciphersuite.
var domainSeparationTag = []byte("POSPACEPOOL_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// InvalidKind enumerates why proof_verify rejected a proof, per spec §4.3.
type InvalidKind int

const (
	InvalidNone InvalidKind = iota
	InvalidFormat
	InvalidKSize
	InvalidQuality
	InvalidIterations
)

func (k InvalidKind) String() string {
	switch k {
	case InvalidFormat:
		return "InvalidFormat"
	case InvalidKSize:
		return "InvalidKSize"
	case InvalidQuality:
		return "InvalidQuality"
	case InvalidIterations:
		return "InvalidIterations"
	default:
		return "InvalidNone"
	}
}

var ErrInvalidProof = errors.New("cryptoverify: invalid proof")

// ProofParams is the challenge-bound context proof_verify checks the proof
// blob against.
type ProofParams struct {
	Challenge        [32]byte
	KSize            uint8
	SubSlotIters     uint64
	Difficulty       uint64
}

// ProofResult is what a successful proof_verify call returns; the validator
// alone decides how this becomes points, never the verifier itself (the
// aliasing trick in the source is not preserved here).
type ProofResult struct {
	Quality    uint64
	Iterations uint64
	PlotID     [32]byte
	KSize      uint8
}

// BLSVerify checks a min-pubkey-size BLS12-381 signature over msg under
// pubkey, per spec §4.3's bls_verify contract.
func BLSVerify(pubkey []byte, msg []byte, sig []byte) bool {
	if len(pubkey) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pubkey)
	if pk == nil {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	if !pk.KeyValidate() {
		return false
	}
	return s.Verify(true, pk, false, msg, domainSeparationTag)
}

// BLSSign produces a min-pubkey-size BLS12-381 signature over msg, per spec
// §4.3's bls_sign contract. Used by the transaction-builder collaborator's
// signing step, not on the partial-ingestion hot path.
func BLSSign(privkey []byte, msg []byte) ([]byte, error) {
	if len(privkey) != PrivateKeySize {
		return nil, fmt.Errorf("cryptoverify: private key must be %d bytes, got %d", PrivateKeySize, len(privkey))
	}
	sk := new(blst.SecretKey)
	sk.Deserialize(privkey)
	sig := new(blst.P2Affine).Sign(sk, msg, domainSeparationTag)
	return sig.Compress(), nil
}

// GenerateKeyPair is a convenience for tests and the operator tooling; it is
// never called on the partial-validation hot path.
func GenerateKeyPair() (privkey, pubkey []byte, err error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, nil, err
	}
	sk := blst.KeyGen(ikm[:])
	pk := new(blst.P1Affine).From(sk)
	return sk.Serialize(), pk.Compress(), nil
}

// ProofVerify validates a proof-of-space blob against params, per spec
// §4.3's proof_verify contract. The actual proof-of-space algorithm is an
// external verifier per spec §1's non-goals; this function is the narrow
// façade the validator calls — format/size checks are performed here, and
// the quality/iterations computation is delegated to verifyProofQuality,
// which in a production deployment wraps the chain's own PoS library.
func ProofVerify(proof []byte, params ProofParams) (ProofResult, InvalidKind) {
	if len(proof) == 0 || len(proof) > MaxProofSize {
		return ProofResult{}, InvalidFormat
	}
	if params.KSize < MinKSize || params.KSize > MaxKSize {
		return ProofResult{}, InvalidKSize
	}
	quality, iterations, plotID, ok := verifyProofQuality(proof, params)
	if !ok {
		return ProofResult{}, InvalidQuality
	}
	if params.SubSlotIters > 0 && iterations > params.SubSlotIters {
		return ProofResult{}, InvalidIterations
	}
	return ProofResult{Quality: quality, Iterations: iterations, PlotID: plotID, KSize: params.KSize}, InvalidNone
}

// BatchBLSVerify verifies many (pubkey, msg, sig) triples concurrently,
// bounded by a sized wait group exactly as the teacher bounds its worker
// fan-out. The testable property spec §8 requires is preserved: result[i]
// always equals the scalar BLSVerify of inputs[i], independent of batch
// composition or concurrency.
func BatchBLSVerify(pubkeys, msgs, sigs [][]byte) ([]bool, error) {
	if len(pubkeys) != len(msgs) || len(msgs) != len(sigs) {
		return nil, errors.New("cryptoverify: batch arrays must be equal length")
	}
	results := make([]bool, len(pubkeys))
	swg := sizedwaitgroup.New(batchConcurrency(len(pubkeys)))
	for i := range pubkeys {
		swg.Add()
		go func(i int) {
			defer swg.Done()
			results[i] = BLSVerify(pubkeys[i], msgs[i], sigs[i])
		}(i)
	}
	swg.Wait()
	return results, nil
}

// BatchProofVerify is proof_verify's batch variant from spec §4.3.
func BatchProofVerify(proofs [][]byte, params []ProofParams) ([]ProofResult, []InvalidKind, error) {
	if len(proofs) != len(params) {
		return nil, nil, errors.New("cryptoverify: batch arrays must be equal length")
	}
	results := make([]ProofResult, len(proofs))
	kinds := make([]InvalidKind, len(proofs))
	swg := sizedwaitgroup.New(batchConcurrency(len(proofs)))
	for i := range proofs {
		swg.Add()
		go func(i int) {
			defer swg.Done()
			results[i], kinds[i] = ProofVerify(proofs[i], params[i])
		}(i)
	}
	swg.Wait()
	return results, kinds, nil
}

func batchConcurrency(n int) int {
	if n <= 0 {
		return 1
	}
	if n > 32 {
		return 32
	}
	return n
}
