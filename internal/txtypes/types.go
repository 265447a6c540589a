package txtypes

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// UHSID is a 32-byte cryptographic digest identifying one unspent output.
// The set of all UHS IDs is partitioned across locking shards by first byte.
type UHSID [32]byte

// Prefix returns the byte that determines which shard owns this id.
func (id UHSID) Prefix() byte { return id[0] }

func (id UHSID) String() string { return fmt.Sprintf("%x", id[:]) }

// TxID is the 32-byte identifier of a compact transaction.
type TxID [32]byte

func (id TxID) String() string { return fmt.Sprintf("%x", id[:]) }

// DtxID is the 32-byte identifier the coordinator assigns to a distributed
// transaction. Unlike TxID and UHSID it is not derived from content — it is
// fresh randomness minted by the coordinator (see coordinator.NewDtxID).
type DtxID [32]byte

func (id DtxID) String() string { return fmt.Sprintf("%x", id[:]) }

// Attestation is a (public key, signature) pair over a CTX's id, carried as
// opaque bytes here: the core never inspects the curve math, it only counts
// distinct keys that the external Verifier collaborator accepts.
type Attestation struct {
	PubKey    []byte
	Signature []byte
}

// Output is a newly created UHS entry plus the opaque value data the crypto
// collaborator attached to it. The core treats Commitment and RangeProof as
// unexamined bytes; only the audit path hands them to a RangeProofVerifier.
type Output struct {
	ID         UHSID
	Commitment []byte
	RangeProof []byte // optional; empty when the output carries no proof
}

// CTX is a compact transaction: hashes of inputs and outputs plus the
// attestations that authorize its admission.
type CTX struct {
	ID           TxID
	Inputs       []UHSID
	Outputs      []Output
	Attestations []Attestation
}

// Validate checks a CTX's structural invariants: inputs are pairwise
// distinct, and the id equals none of the inputs and none of the output
// ids. Inputs are not checked against output ids.
func (c *CTX) Validate() error {
	seen := make(map[UHSID]struct{}, len(c.Inputs))
	for _, in := range c.Inputs {
		if _, dup := seen[in]; dup {
			return fmt.Errorf("txtypes: duplicate input %s in ctx %s", in, c.ID)
		}
		seen[in] = struct{}{}
		if UHSID(c.ID) == in {
			return fmt.Errorf("txtypes: ctx id %s equals one of its own inputs", c.ID)
		}
	}
	for _, out := range c.Outputs {
		if UHSID(c.ID) == out.ID {
			return fmt.Errorf("txtypes: ctx id %s equals one of its own outputs", c.ID)
		}
	}
	return nil
}

// CanonicalEncoding produces the deterministic byte layout that TxID and
// output UHS IDs are hashed from: a length-prefixed concatenation of inputs
// then outputs' commitments, so that two structurally identical CTXs always
// hash the same way regardless of slice capacity or map iteration order.
//
// This is hand-rolled rather than pulled from a serialization library: the
// exact byte layout is a domain invariant (it IS the hash preimage), not an
// ambient wire-framing concern, so no third-party codec is a better fit.
func CanonicalEncoding(inputs []UHSID, outputCommitments [][]byte) []byte {
	buf := make([]byte, 0, 8+len(inputs)*32+16)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(inputs)))
	buf = append(buf, lenBuf[:]...)
	for _, in := range inputs {
		buf = append(buf, in[:]...)
	}
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(outputCommitments)))
	buf = append(buf, lenBuf[:]...)
	for _, c := range outputCommitments {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(c)))
		buf = append(buf, n[:]...)
		buf = append(buf, c...)
	}
	return buf
}

// DeriveTxID computes the canonical digest over a CTX's inputs and outputs.
func DeriveTxID(inputs []UHSID, outputCommitments [][]byte) TxID {
	enc := CanonicalEncoding(inputs, outputCommitments)
	return TxID(sha256.Sum256(enc))
}

// Phase is a distributed transaction's position in the three-phase protocol.
type Phase int

const (
	PhaseStart Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseDiscard
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseDiscard:
		return "discard"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrProtocolViolation marks a phase transition that should never occur
// under correct coordinator/shard behavior; the caller is expected to treat
// it as fatal.
var ErrProtocolViolation = errors.New("txtypes: protocol violation")

// Advance validates the monotonic phase progression:
// start -> prepare -> commit -> discard -> done, with `failed` reachable
// from anywhere except `done`.
func (p Phase) Advance(next Phase) error {
	if next == PhaseFailed {
		if p == PhaseDone {
			return fmt.Errorf("%w: cannot fail a done dtx", ErrProtocolViolation)
		}
		return nil
	}
	if int(next) != int(p)+1 {
		return fmt.Errorf("%w: cannot advance from %s to %s", ErrProtocolViolation, p, next)
	}
	return nil
}

// Dtx is the coordinator's in-memory and replicated record of one
// distributed transaction: a batch of CTXs plus the per-shard slice indices
// and completion bitmap produced by prepare.
type Dtx struct {
	ID    DtxID
	Batch []CTX

	// ShardIndex maps a shard identifier (first-byte low bound, used as the
	// routing key — see coordinator.ShardRange) to the sorted list of batch
	// indices that shard participates in.
	ShardIndex map[byte][]int

	Phase Phase

	// Complete is produced by Prepare and is nil before that phase runs.
	// Complete[i] is true iff every shard touching batch[i]'s inputs and
	// outputs locked them successfully.
	Complete []bool
}

// ParticipatingShards returns the sorted set of shard keys (see ShardIndex)
// touched by this dtx's batch.
func (d *Dtx) ParticipatingShards() []byte {
	shards := make([]byte, 0, len(d.ShardIndex))
	for s := range d.ShardIndex {
		shards = append(shards, s)
	}
	slices.Sort(shards)
	return shards
}
