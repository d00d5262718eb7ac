// Package metrics exposes the engine's own Prometheus metrics.
//
// The collectors are fed from the event bus, so no engine component depends
// on this package. Gauges that track live state (breaches, escalations, open
// alerts) are derived from the event stream and start at zero on restart.
package metrics
