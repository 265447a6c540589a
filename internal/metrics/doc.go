// Package metrics wires up the prometheus/client_golang HTTP exposer every
// cmd/* binary starts alongside its RPC and raft listeners. Individual
// packages (internal/lockshard, internal/runtimeshard, internal/coordinator)
// register their own counters/gauges/histograms via promauto (lockshard and
// runtimeshard at package init time, the coordinator when its first
// Controller is built); this package only owns the /metrics HTTP endpoint.
package metrics
