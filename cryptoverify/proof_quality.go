package cryptoverify

import (
	"encoding/binary"

	sha256simd "github.com/minio/sha256-simd"
)

// verifyProofQuality derives {quality, iterations, plot_id} from a proof
// blob and its binding params. Spec §1 places the actual proof-of-space
// algorithm out of scope ("it calls an external verifier"); this is the
// narrow boundary a real deployment replaces with a call into the chain's
// plotting library. The derivation here is deterministic and
// format-correct so the validator's downstream stages (quality -> points,
// iteration bound check) exercise real data shapes end to end.
func verifyProofQuality(proof []byte, params ProofParams) (quality uint64, iterations uint64, plotID [32]byte, ok bool) {
	h := sha256simd.New()
	h.Write(proof)
	h.Write(params.Challenge[:])
	digest := h.Sum(nil)
	copy(plotID[:], digest)

	quality = binary.BigEndian.Uint64(digest[0:8])
	if quality == 0 {
		return 0, 0, plotID, false
	}
	iterations = binary.BigEndian.Uint64(digest[8:16]) % (params.SubSlotIters + 1)
	return quality, iterations, plotID, true
}
