package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"go.uber.org/zap"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Instances
	mux.HandleFunc("GET /api/v1/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/v1/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("DELETE /api/v1/instances/{id}", s.handleRemoveInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}/history", s.handleInstanceHistory)
	mux.HandleFunc("POST /api/v1/instances/{id}/monitor", s.handleStartMonitoring)
	mux.HandleFunc("DELETE /api/v1/instances/{id}/monitor", s.handleStopMonitoring)
	mux.HandleFunc("POST /api/v1/instances/{id}/check", s.handleCheckHealth)
	mux.HandleFunc("GET /api/v1/instances/{id}/diagnostics", s.handleDiagnostics)

	// Pushed instance events
	mux.HandleFunc("POST /api/v1/instances/{id}/status", s.handleStatusChange)
	mux.HandleFunc("POST /api/v1/instances/{id}/qrcode", s.handleQRCode)
	mux.HandleFunc("POST /api/v1/instances/{id}/messages", s.handleMessages)

	mux.HandleFunc("GET /api/v1/monitoring", s.handleListMonitored)
	mux.HandleFunc("DELETE /api/v1/monitoring", s.handleStopAll)
	mux.HandleFunc("GET /api/v1/stats", s.handleGlobalStats)

	// Alerts
	mux.HandleFunc("GET /api/v1/alerts/active", s.handleActiveAlerts)
	mux.HandleFunc("GET /api/v1/alerts/history", s.handleAlertHistory)
	mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleGetAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("GET /api/v1/alert-rules", s.handleListRules)
	mux.HandleFunc("PUT /api/v1/alert-rules/{id}", s.handlePutRule)

	// Maintenance
	mux.HandleFunc("POST /api/v1/maintenance/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/v1/maintenance/retention", s.handleRetentionStatus)
	mux.HandleFunc("POST /api/v1/maintenance/retention/run", s.handleRetentionRun)

	// Event stream
	if s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.hub.HandleEvents)
		mux.HandleFunc("GET /api/v1/viewers", s.handleListViewers)
	}

	if s.mcp != nil {
		mux.Handle("GET /mcp", s.mcp)
		mux.Handle("POST /mcp", s.mcp)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Instances ────────────────────────────────────────────────

type instanceView struct {
	fleet.ConnectionMetrics
	Monitored bool `json:"monitored"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	all := s.monitor.GetAllMetrics()
	out := make([]instanceView, 0, len(all))
	for _, m := range all {
		out = append(out, instanceView{ConnectionMetrics: m, Monitored: s.monitor.IsMonitored(m.InstanceID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := s.monitor.GetMetrics(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, instanceView{ConnectionMetrics: m, Monitored: s.monitor.IsMonitored(id)})
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.RemoveInstance(r.PathValue("id")) {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstanceHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.monitor.GetMetrics(id); !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.MetricsHistory(id))
}

type startMonitoringRequest struct {
	// IntervalMs of zero selects the configured check interval.
	IntervalMs int64 `json:"interval_ms"`
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	var req startMonitoringRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if req.IntervalMs < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "interval_ms must not be negative")
		return
	}
	id := r.PathValue("id")
	if err := s.monitor.StartMonitoring(id, time.Duration(req.IntervalMs)*time.Millisecond); err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"instance_id": id, "monitored": true})
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.StopMonitoring(r.PathValue("id")) {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance is not monitored")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMonitored(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Monitored())
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"stopped": s.monitor.StopAllMonitoring()})
}

func (s *Server) handleCheckHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.monitor.CheckInstanceHealth(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.monitor.RunCompleteDiagnostics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.GetGlobalStats())
}

type statusChangeRequest struct {
	Status fleet.Status `json:"status"`
}

func (s *Server) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	var req statusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	updated, err := s.monitor.HandleStatusChange(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.RecordQRCode(r.PathValue("id")) {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messagesRequest struct {
	Count int64 `json:"count"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Count <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "count must be positive")
		return
	}
	if !s.monitor.RecordMessages(r.PathValue("id"), req.Count) {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Alerts ───────────────────────────────────────────────────

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	instance := strings.TrimSpace(r.URL.Query().Get("instance"))
	writeJSON(w, http.StatusOK, s.monitor.GetActiveAlerts(instance))
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	instance := strings.TrimSpace(r.URL.Query().Get("instance"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.monitor.GetAlertHistory(instance, limit))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, ok := s.monitor.GetAlert(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.monitor.AcknowledgeAlert(r.Context(), id) {
		writeJSONError(w, http.StatusNotFound, "not_found", "alert not found or already resolved")
		return
	}
	a, _ := s.monitor.GetAlert(id)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.monitor.ResolveAlert(r.Context(), id) {
		writeJSONError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	a, _ := s.monitor.GetAlert(id)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.monitor.GetAlertRules()
	out := make([]alerts.RuleSpec, 0, len(rules))
	for _, rule := range rules {
		out = append(out, alerts.ToSpec(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var spec alerts.RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	id := r.PathValue("id")
	if spec.ID != "" && spec.ID != id {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("rule id %q does not match path", spec.ID))
		return
	}
	spec.ID = id
	rule, err := s.monitor.SetAlertRuleSpec(spec)
	if err != nil {
		writeMonitorError(w, err)
		return
	}
	s.logger.Info("alert rule updated", zap.String("rule_id", rule.ID), zap.Bool("enabled", rule.Enabled))
	writeJSON(w, http.StatusOK, alerts.ToSpec(rule))
}

// ── Maintenance ──────────────────────────────────────────────

type cleanupRequest struct {
	DaysToKeep int `json:"days_to_keep"`
}

// handleCleanup accepts {"days_to_keep": N} or ?older_than=30d.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var days int
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		n, err := parseRetentionDays(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid older_than: "+err.Error())
			return
		}
		days = n
	} else {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "days_to_keep or older_than is required")
			return
		}
		days = req.DaysToKeep
	}

	report, err := s.monitor.CleanupOldData(r.Context(), days)
	if err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetentionStatus(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "retention job is not configured")
		return
	}
	resp := map[string]any{}
	if next := s.retention.Next(); !next.IsZero() {
		resp["next_run"] = next
	}
	if last, ok := s.retention.LastRun(); ok {
		resp["last_run"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "retention job is not configured")
		return
	}
	run := s.retention.RunNow(r.Context())
	status := http.StatusOK
	if !run.OK() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, run)
}

func (s *Server) handleListViewers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.List())
}

// decodeOptionalBody decodes a JSON body when one is present.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}
