// Package api implements the HTTP REST API for alertcore.
//
// New(engine) returns an http.Handler that serves:
//
//	GET    /api/v1/health                           open alerts by severity, live state sizes
//	GET    /api/v1/rules                            registered rules
//	GET    /api/v1/rules/{id}                       one rule; 404 if unknown
//	GET    /api/v1/rules/{id}/stats                 evaluation and match counters
//	GET    /api/v1/rules/{id}/history               recent results, oldest first
//	POST   /api/v1/evaluate                         evaluate all rules against a context
//	GET    /api/v1/thresholds                       registered thresholds
//	GET    /api/v1/breaches                         active breaches
//	POST   /api/v1/metrics                          record metric points (202)
//	GET    /api/v1/policies                         escalation policies
//	GET    /api/v1/escalations                      running escalation chains
//	GET    /api/v1/incidents[?status=]              incidents, optionally filtered
//	GET    /api/v1/incidents/{id}                   one incident with its timeline
//	POST   /api/v1/incidents/{id}/status            {status, actor, note}
//	POST   /api/v1/incidents/{id}/notes             {actor, message}
//	POST   /api/v1/incidents/{id}/responders        {user_id, name, role}
//	GET    /api/v1/oncall                           schedules
//	GET    /api/v1/oncall/{schedule}[?at=]          who is on call
//	GET    /api/v1/oncall/{schedule}/upcoming       ?days= (default 7) &from=
//	POST   /api/v1/oncall/{schedule}/overrides      add an override (201)
//	DELETE /api/v1/oncall/{schedule}/overrides/{id} remove an override (204)
//	GET    /api/v1/alerts                           open and acknowledged alerts
//	GET    /api/v1/alerts/history                   resolved alerts, newest first
//	GET    /api/v1/alerts/{id}                      one open alert
//	POST   /api/v1/alerts/{id}/ack                  {by}
//	POST   /api/v1/alerts/{id}/resolve              resolve and stop escalation
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for any other method
//   - Return {"error": "..."} with 400, 404 or 409 on failure
//
// Times in query parameters are RFC3339. JSON types are defined in types.go
// and in the engine packages. No external HTTP framework is used.
package api
