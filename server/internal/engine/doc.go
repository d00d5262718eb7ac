// Package engine assembles the alerting components around one event bus.
//
// New(cfg) builds the rule evaluator, threshold monitor, escalation manager,
// incident manager, on-call scheduler and the alerting manager that ties
// them together. Apply(cfg) (re)registers the configured rules, thresholds,
// policies, schedules and webhooks; it is called once at startup and again
// on every config reload. Observers such as the websocket hub, the NATS sink
// and the metrics collectors attach to Engine.Bus.
package engine
