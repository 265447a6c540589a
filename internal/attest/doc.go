// Package attest defines the interfaces the core calls into an external
// crypto collaborator through: signature verification at CTX admission and
// batched range-proof verification at shard audit time. The actual
// Schnorr/Pedersen/Bulletproof math is an external concern; this
// package only fixes the types the core type-checks against and calls.
package attest
