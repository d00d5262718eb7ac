// Package alerting turns rule matches and threshold breaches into alerts and
// reacts to escalation actions.
//
// Alerts are deduplicated by fingerprint: a repeat of an open alert bumps
// its Count and LastOccurrenceAt instead of raising a new one. A new alert
// with a policy starts an escalation. action:execute requests are handled
// here: create_incident opens or extends an incident, notify-style actions
// resolve "oncall:<schedule>" recipients to users and are republished as
// notify:dispatch, and webhook actions are posted to the configured Slack,
// Teams, PagerDuty or generic HTTP target.
package alerting
