package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/alerting"
	"github.com/obsidianstack/alertcore/server/internal/engine"
	"github.com/obsidianstack/alertcore/server/internal/incident"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
	"github.com/obsidianstack/alertcore/server/internal/rules"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads and drives engine state and returns JSON responses.
type Handler struct {
	eng *engine.Engine
	mux *http.ServeMux
}

// New creates a Handler wired to eng and registers all routes.
func New(eng *engine.Engine) http.Handler {
	h := &Handler{eng: eng, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)

	h.mux.HandleFunc("/api/v1/rules", h.listRules)
	h.mux.HandleFunc("/api/v1/rules/{id}", h.getRule)
	h.mux.HandleFunc("/api/v1/rules/{id}/stats", h.ruleStats)
	h.mux.HandleFunc("/api/v1/rules/{id}/history", h.ruleHistory)
	h.mux.HandleFunc("/api/v1/evaluate", h.evaluate)

	h.mux.HandleFunc("/api/v1/thresholds", h.listThresholds)
	h.mux.HandleFunc("/api/v1/breaches", h.listBreaches)
	h.mux.HandleFunc("/api/v1/metrics", h.recordMetrics)

	h.mux.HandleFunc("/api/v1/policies", h.listPolicies)
	h.mux.HandleFunc("/api/v1/escalations", h.listEscalations)

	h.mux.HandleFunc("/api/v1/incidents", h.listIncidents)
	h.mux.HandleFunc("/api/v1/incidents/{id}", h.getIncident)
	h.mux.HandleFunc("/api/v1/incidents/{id}/status", h.updateIncidentStatus)
	h.mux.HandleFunc("/api/v1/incidents/{id}/notes", h.addIncidentNote)
	h.mux.HandleFunc("/api/v1/incidents/{id}/responders", h.addIncidentResponder)

	h.mux.HandleFunc("/api/v1/oncall", h.listSchedules)
	h.mux.HandleFunc("/api/v1/oncall/{schedule}", h.currentOnCall)
	h.mux.HandleFunc("/api/v1/oncall/{schedule}/upcoming", h.upcomingOnCall)
	h.mux.HandleFunc("/api/v1/oncall/{schedule}/overrides", h.addOverride)
	h.mux.HandleFunc("/api/v1/oncall/{schedule}/overrides/{id}", h.removeOverride)

	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("/api/v1/alerts/history", h.alertHistory)
	h.mux.HandleFunc("/api/v1/alerts/{id}", h.getAlert)
	h.mux.HandleFunc("/api/v1/alerts/{id}/ack", h.ackAlert)
	h.mux.HandleFunc("/api/v1/alerts/{id}/resolve", h.resolveAlert)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- health -----------------------------------------------------------------

// health returns GET /api/v1/health: open alert counts by severity and the
// size of the live engine state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}

	alerts := h.eng.Alerts.Alerts()
	resp := HealthResponse{
		State:             "healthy",
		OpenAlerts:        len(alerts),
		ActiveBreaches:    len(h.eng.Thresholds.Breaches()),
		ActiveEscalations: len(h.eng.Escalations.States()),
		RuleCount:         h.eng.Rules.Count(),
		ThresholdCount:    len(h.eng.Thresholds.Thresholds()),
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	for _, a := range alerts {
		switch a.Severity {
		case types.SeverityCritical:
			resp.CriticalCount++
		case types.SeverityWarning:
			resp.WarningCount++
		default:
			resp.InfoCount++
		}
	}
	switch {
	case resp.CriticalCount > 0:
		resp.State = string(types.SeverityCritical)
	case resp.WarningCount > 0:
		resp.State = string(types.SeverityWarning)
	case resp.InfoCount > 0:
		resp.State = string(types.SeverityInfo)
	}
	for _, in := range h.eng.Incidents.List() {
		if in.Status != incident.StatusResolved && in.Status != incident.StatusClosed {
			resp.OpenIncidents++
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- rules ------------------------------------------------------------------

// listRules returns GET /api/v1/rules.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Rules.Rules()))
}

// getRule returns GET /api/v1/rules/{id}.
func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	rule, ok := h.eng.Rules.Rule(r.PathValue("id"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "rule not found")
		return
	}
	jsonResp(w, http.StatusOK, rule)
}

// ruleStats returns GET /api/v1/rules/{id}/stats.
func (h *Handler) ruleStats(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	if _, ok := h.eng.Rules.Rule(id); !ok {
		jsonErr(w, http.StatusNotFound, "rule not found")
		return
	}
	jsonResp(w, http.StatusOK, h.eng.Rules.Stats(id))
}

// ruleHistory returns GET /api/v1/rules/{id}/history, oldest first.
func (h *Handler) ruleHistory(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	if _, ok := h.eng.Rules.Rule(id); !ok {
		jsonErr(w, http.StatusNotFound, "rule not found")
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Rules.History(id)))
}

// evaluate handles POST /api/v1/evaluate: the body is an evaluation context
// and the response holds one result per enabled rule.
func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var ctx rules.Context
	if !decodeBody(w, r, &ctx) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Rules.EvaluateAll(ctx)))
}

// --- thresholds -------------------------------------------------------------

// listThresholds returns GET /api/v1/thresholds.
func (h *Handler) listThresholds(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Thresholds.Thresholds()))
}

// listBreaches returns GET /api/v1/breaches, the active breaches.
func (h *Handler) listBreaches(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Thresholds.Breaches()))
}

// recordMetrics handles POST /api/v1/metrics and answers 202 with the number
// of points recorded. Points without a metric name are skipped.
func (h *Handler) recordMetrics(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var req MetricsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n := 0
	for _, p := range req.Points {
		if p.Metric == "" {
			continue
		}
		h.eng.Thresholds.RecordMetric(p)
		n++
	}
	jsonResp(w, http.StatusAccepted, AcceptedResponse{Accepted: n})
}

// --- escalation -------------------------------------------------------------

// listPolicies returns GET /api/v1/policies.
func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Escalations.Policies()))
}

// listEscalations returns GET /api/v1/escalations, the running chains.
func (h *Handler) listEscalations(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Escalations.States()))
}

// --- incidents --------------------------------------------------------------

// listIncidents returns GET /api/v1/incidents. ?status= filters by status.
func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	all := h.eng.Incidents.List()
	want := r.URL.Query().Get("status")
	if want == "" {
		jsonResp(w, http.StatusOK, nonNil(all))
		return
	}
	if _, err := incident.ParseStatus(want); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]incident.Incident, 0, len(all))
	for _, in := range all {
		if string(in.Status) == want {
			out = append(out, in)
		}
	}
	jsonResp(w, http.StatusOK, out)
}

// getIncident returns GET /api/v1/incidents/{id}.
func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	in, ok := h.eng.Incidents.Get(r.PathValue("id"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "incident not found")
		return
	}
	jsonResp(w, http.StatusOK, in)
}

// updateIncidentStatus handles POST /api/v1/incidents/{id}/status.
func (h *Handler) updateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := incident.ParseStatus(req.Status)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := h.eng.Incidents.UpdateStatus(id, status, req.Actor, req.Note); err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	h.respondIncident(w, id)
}

// addIncidentNote handles POST /api/v1/incidents/{id}/notes.
func (h *Handler) addIncidentNote(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		jsonErr(w, http.StatusBadRequest, "message is required")
		return
	}
	id := r.PathValue("id")
	if err := h.eng.Incidents.AddNote(id, req.Actor, req.Message); err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	h.respondIncident(w, id)
}

// addIncidentResponder handles POST /api/v1/incidents/{id}/responders.
func (h *Handler) addIncidentResponder(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var req incident.Responder
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := h.eng.Incidents.AddResponder(id, req); err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	h.respondIncident(w, id)
}

func (h *Handler) respondIncident(w http.ResponseWriter, id string) {
	in, ok := h.eng.Incidents.Get(id)
	if !ok {
		// Pruned between the update and the read.
		jsonErr(w, http.StatusNotFound, "incident not found")
		return
	}
	jsonResp(w, http.StatusOK, in)
}

// --- on-call ----------------------------------------------------------------

// listSchedules returns GET /api/v1/oncall.
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.OnCall.Schedules()))
}

// currentOnCall returns GET /api/v1/oncall/{schedule}. ?at= takes an RFC3339
// instant and defaults to now.
func (h *Handler) currentOnCall(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	at, err := timeParam(r, "at")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	as, err := h.eng.OnCall.CurrentOnCall(r.PathValue("schedule"), at)
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, nonNil(as))
}

// upcomingOnCall returns GET /api/v1/oncall/{schedule}/upcoming. ?days=
// defaults to 7; ?from= defaults to now.
func (h *Handler) upcomingOnCall(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	from, err := timeParam(r, "from")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, fmt.Sprintf("days %q: not an integer", v))
			return
		}
	}
	as, err := h.eng.OnCall.UpcomingSchedule(r.PathValue("schedule"), from, days)
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, nonNil(as))
}

// addOverride handles POST /api/v1/oncall/{schedule}/overrides and answers
// 201 with the stored override.
func (h *Handler) addOverride(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var req OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	o, err := h.eng.OnCall.AddOverride(r.PathValue("schedule"), oncall.Override{
		UserID: req.UserID,
		Start:  req.Start,
		End:    req.End,
		Reason: req.Reason,
	})
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusCreated, o)
}

// removeOverride handles DELETE /api/v1/oncall/{schedule}/overrides/{id}.
func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodDelete) {
		return
	}
	if !h.eng.OnCall.RemoveOverride(r.PathValue("schedule"), r.PathValue("id")) {
		jsonErr(w, http.StatusNotFound, "override not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- alerts -----------------------------------------------------------------

// listAlerts returns GET /api/v1/alerts, the open and acknowledged alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Alerts.Alerts()))
}

// alertHistory returns GET /api/v1/alerts/history, newest first.
func (h *Handler) alertHistory(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.eng.Alerts.History()))
}

// getAlert returns GET /api/v1/alerts/{id}.
func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodGet) {
		return
	}
	a, ok := h.eng.Alerts.Alert(r.PathValue("id"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "alert not found")
		return
	}
	jsonResp(w, http.StatusOK, a)
}

// ackAlert handles POST /api/v1/alerts/{id}/ack.
func (h *Handler) ackAlert(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	var req AckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.eng.Alerts.Acknowledge(r.PathValue("id"), req.By)
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, a)
}

// resolveAlert handles POST /api/v1/alerts/{id}/resolve.
func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	if !method(w, r, http.MethodPost) {
		return
	}
	a, err := h.eng.Alerts.Resolve(r.PathValue("id"))
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, a)
}

// --- helpers ----------------------------------------------------------------

// method answers 405 and returns false unless r uses want.
func method(w http.ResponseWriter, r *http.Request, want string) bool {
	if r.Method != want {
		w.Header().Set("Allow", want)
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// decodeBody reads a JSON body into v and answers 400 on failure.
// An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q: want RFC3339", name, v)
	}
	return t, nil
}

// errStatus maps component errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, alerting.ErrNotFound),
		errors.Is(err, incident.ErrNotFound),
		errors.Is(err, oncall.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrAlertLinked):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// nonNil turns a nil slice into an empty one so lists encode as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
