// Package metrics counts lookups, tracks their latency and keeps a rolling
// sample of recent keys from which per-node load and its coefficient of
// variation are derived.
package metrics
