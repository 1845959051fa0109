package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"warden/core"
	"warden/orchestrator"
	"warden/soar"

	"go.uber.org/zap"
)

// errorResponse is the body of every error reply
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// respondJSON writes data as JSON with the given status
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// writeError writes a JSON error reply. The full error is logged; clients only see message.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, "error", err, "status_code", statusCode)
		} else if err != nil {
			logger.Debugw(message, "error", err, "status_code", statusCode)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Kind: errorKind(err)})
}

// errorKind names the sentinel behind err for clients
func errorKind(err error) string {
	kinds := []struct {
		target error
		name   string
	}{
		{core.ErrMalformedPayload, "malformed_payload"},
		{core.ErrUnsupportedSource, "unsupported_source"},
		{core.ErrIncidentNotFound, "incident_not_found"},
		{core.ErrRunNotFound, "run_not_found"},
		{core.ErrUnknownPlaybook, "unknown_playbook"},
		{core.ErrInvalidTransition, "invalid_transition"},
		{core.ErrIncidentContention, "incident_contention"},
		{core.ErrStaleIncidentVersion, "stale_incident_version"},
		{soar.ErrRunNotActive, "run_not_active"},
		{soar.ErrExecutorClosed, "shutting_down"},
		{orchestrator.ErrClosed, "shutting_down"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.name
		}
	}
	return ""
}

// statusForError maps domain errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrUnsupportedSource):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrMalformedPayload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrIncidentNotFound),
		errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrUnknownPlaybook):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrIncidentContention),
		errors.Is(err, core.ErrStaleIncidentVersion),
		errors.Is(err, soar.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed),
		errors.Is(err, soar.ErrExecutorClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the status its sentinel maps to
func (a *API) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusForError(err)
	if status != http.StatusInternalServerError {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	writeError(w, status, message, err, a.logger)
}

// decodeJSONBodyWithLimit decodes an optional JSON body; an empty body leaves dst untouched
func (a *API) decodeJSONBodyWithLimit(w http.ResponseWriter, r *http.Request, dst interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	err := decoder.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var syntaxError *json.SyntaxError
	var unmarshalTypeError *json.UnmarshalTypeError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxError):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at byte offset %d", syntaxError.Offset), err, a.logger)
	case errors.As(err, &unmarshalTypeError):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid type for field '%s'", unmarshalTypeError.Field), err, a.logger)
	case errors.As(err, &maxBytesError):
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
	default:
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err, a.logger)
	}
	return err
}
