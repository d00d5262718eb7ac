// Package incident correlates alerts into incidents and keeps their
// append-only timelines.
//
// Incident ids are sequential and human readable (INC-000001). An alert
// belongs to at most one open incident; closing an incident releases its
// alerts. Closed incidents are kept in memory until the retention window
// passes, after which Prune (or the Run loop) evicts them.
package incident
