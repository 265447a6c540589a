// Package txtypes defines the wire- and storage-level data model shared by
// every settlement component: UHS identifiers, compact transactions, and the
// distributed-transaction envelope that the coordinator drives across shards.
//
// Nothing in this package talks to the network or to disk; it exists so that
// internal/lockshard, internal/dtx, internal/coordstate, and internal/coordinator
// can agree on one representation without importing each other.
package txtypes
