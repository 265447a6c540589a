package attest

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Verifier checks a sentinel's attestation signature over a CTX id. The
// coordinator's admission path calls this once per attestation attached to
// an incoming CTX; it never inspects the curve math itself.
type Verifier interface {
	Verify(ctxID [32]byte, pubKey *btcec.PublicKey, sig *schnorr.Signature) bool
}

// RangeProofVerifier batch-verifies the value-commitment range proofs
// attached to a set of UHS outputs, as used by a locking shard's audit
// operation before it trusts a commitment sum.
type RangeProofVerifier interface {
	VerifyBatch(commitments [][]byte, proofs [][]byte) (bool, error)
}

// StubVerifier always reports success. It exists only for unit tests and
// single-process cmd/lockshard demos — never wire it into a coordinator's
// production construction path, since it performs no actual cryptography.
type StubVerifier struct{}

func (StubVerifier) Verify(ctxID [32]byte, pubKey *btcec.PublicKey, sig *schnorr.Signature) bool {
	return true
}

func (StubVerifier) VerifyBatch(commitments [][]byte, proofs [][]byte) (bool, error) {
	return true, nil
}

// SchnorrVerifier checks attestation signatures with the real BIP-340
// verification math btcec/v2/schnorr already implements — this is the
// default Verifier cmd/coordinator wires in production, as opposed to
// StubVerifier. It does not implement the Schnorr protocol itself; it
// only calls into the library.
type SchnorrVerifier struct{}

func (SchnorrVerifier) Verify(ctxID [32]byte, pubKey *btcec.PublicKey, sig *schnorr.Signature) bool {
	return sig.Verify(ctxID[:], pubKey)
}

// VerifyBatch has no in-core implementation: Pedersen/Bulletproof range
// proof math is an external collaborator's responsibility. A deployment
// that needs audits to check commitment sums wires in
// its own RangeProofVerifier; this type exists only so SchnorrVerifier
// alone satisfies attest.Verifier plus the audit call site's interface
// without forcing every caller to import a second stub.
func (SchnorrVerifier) VerifyBatch(commitments [][]byte, proofs [][]byte) (bool, error) {
	return false, errors.New("attest: range-proof verification is an external collaborator, not implemented in core")
}
