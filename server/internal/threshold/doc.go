// Package threshold tracks metric samples over time and maintains breach
// state for static, dynamic, baseline and percentage thresholds.
//
// Every sample is appended to a bounded per-metric history (1000 points by
// default, oldest evicted first). After each sample the monitor recomputes
// the value of every threshold watching that metric and emits
// threshold:breached when a breach starts and threshold:recovered when it
// clears. It holds no escalation logic.
package threshold
