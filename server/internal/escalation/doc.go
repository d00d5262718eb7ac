// Package escalation drives per-alert notification chains.
//
// A Policy is an ordered list of levels. StartEscalation fires the first
// level immediately, then arms a timer for the next level's delay; when the
// last level has fired the chain either repeats from the first level after
// RepeatInterval (up to MaxRepeats times) or is exhausted, at which point
// Policy.OnExhausted decides whether the state stays idle or is stopped.
//
// Each firing publishes escalation:triggered followed by one action:execute
// per configured action. The manager never delivers anything itself.
//
// At most one timer is pending per alert. Every (re)schedule stops the
// previous timer first and stamps the new one with a token; a callback whose
// token is no longer current is dropped, so a stop or restart racing with a
// real timer can never produce a second chain.
package escalation
