// Package oncall computes who is on call from rotation schedules and
// time-bounded overrides.
//
// The user on call is Users[k mod len(Users)] where k counts whole periods
// since RotationStart. HandoffTime only places the reported shift bounds. An override whose inclusive [Start, End]
// contains the instant replaces every rotation. Nothing here keeps mutable
// state beyond the registered schedules.
package oncall
