// Package rules implements the rule evaluator: it matches an AlertRule's
// condition group and thresholds against one evaluation context.
//
// Conditions address the context with dotted field paths ("host.cpu.load").
// Missing data is never an error: an unresolved path or an absent metric
// simply fails to match. Invalid MATCHES patterns are treated as
// non-matching. Each evaluation is appended to a bounded per-rule history
// (100 entries by default) used for diagnostics and statistics.
package rules
