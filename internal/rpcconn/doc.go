// Package rpcconn implements the generic request/response correlation layer
// that every RPC relationship in this repository rides on top of: sentinel
// admission, coordinator-to-locking-shard, broker-to-runtime-locking-shard,
// and the log-backed servers that sit in front of a replicated state
// machine (internal/coordstate, internal/runtimeshard).
//
// Each request carries a monotonically increasing request_id; responses
// echo it back so a client can correlate out-of-order replies on a single
// TCP connection. Clients may wait for a reply (blocking mode) or register
// a callback (async mode). Servers may answer a request immediately
// (synchronous handler) or accept it and reply later from another
// goroutine (asynchronous handler, signalled by returning inFlight=true).
//
// Wire framing is intentionally minimal (length-prefixed gob): the bytes
// on the wire are not a contract, only the request/response correlation
// semantics are.
package rpcconn
