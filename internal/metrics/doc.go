// Package metrics exposes the daemon's Prometheus collectors. All methods
// tolerate a nil receiver so library code can instrument unconditionally.
package metrics
