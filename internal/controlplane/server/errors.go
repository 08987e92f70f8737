package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMonitorError maps engine errors onto HTTP statuses.
func writeMonitorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrUnknownInstance):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case monitor.KindOf(err) == monitor.ConfigurationFailure:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case monitor.KindOf(err) == monitor.PersistenceFailure:
		writeJSONError(w, http.StatusServiceUnavailable, "persistence_unavailable", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
