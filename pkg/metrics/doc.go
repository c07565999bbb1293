/*
Package metrics exposes Prometheus instrumentation for the supervisor
daemon: run counts by normalized status, blacklist size, tick duration,
submission/failure counters, and scheduler CLI call latency. Metrics are
registered at init and served by the daemon's loopback HTTP endpoint via
Handler().
*/
package metrics
