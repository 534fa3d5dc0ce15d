// Package metrics exposes Conflux's observability surface: a Prometheus
// registry (metrics.go), a periodic Collector sampling state machine and
// node state into it (collector.go), and an HTTP health/readiness
// component registry (health.go) independent of any particular Node
// instance.
//
// Conflux treats "raft" and "storage" as the critical components gating
// readiness: a node reports not_ready until it has registered both as
// healthy.
package metrics
