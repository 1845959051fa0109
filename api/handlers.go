package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/core"
	"warden/ingest"
	"warden/storage"

	"github.com/gorilla/mux"
)

// maxListLimit caps page size for incident listing
const maxListLimit = 1000

type ingestResponse struct {
	EventID string `json:"event_id"`
}

type incidentList struct {
	Incidents []*core.Incident `json:"incidents"`
	Total     int              `json:"total"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

// operatorRequest is the optional body of close and reopen
type operatorRequest struct {
	Reason string `json:"reason"`
}

// triggerRequest is the optional body of a manual playbook trigger.
// Without indicators the incident's indicators of the playbook's trigger kinds are used.
type triggerRequest struct {
	Indicators []core.Indicator `json:"indicators"`
}

// ingestEvent accepts one raw sensor payload.
// POST /api/v1/events?sensor=<kind>&stream=<id>
func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if !a.ingestLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Ingestion rate limit exceeded", nil, nil)
		return
	}

	sensor := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sensor")))
	if sensor == "" {
		writeError(w, http.StatusBadRequest, "sensor query parameter is required", nil, a.logger)
		return
	}

	encoding, err := payloadEncoding(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error(), nil, a.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.API.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body", err, a.logger)
		return
	}

	id, err := a.deps.Ingestor.Submit(r.Context(), ingest.RawPayload{
		Sensor:   core.SensorKind(sensor),
		Stream:   r.URL.Query().Get("stream"),
		Encoding: encoding,
		Body:     body,
	})
	if err != nil {
		a.writeDomainError(w, "Event rejected", err)
		return
	}
	a.respondJSON(w, ingestResponse{EventID: id}, http.StatusAccepted)
}

func payloadEncoding(contentType string) (ingest.Encoding, error) {
	if contentType == "" {
		return ingest.EncodingJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("invalid Content-Type %q", contentType)
	}
	switch mediaType {
	case "application/json":
		return ingest.EncodingJSON, nil
	case "application/msgpack", "application/x-msgpack", "application/vnd.msgpack":
		return ingest.EncodingMsgpack, nil
	}
	return "", fmt.Errorf("unsupported Content-Type %q: use application/json or application/msgpack", mediaType)
}

// listIncidents returns incidents newest first.
// GET /api/v1/incidents?status=&min_severity=&since=&until=&limit=&offset=
func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseIncidentFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}

	incidents, total, err := a.deps.Incidents.List(r.Context(), filter)
	if err != nil {
		a.writeDomainError(w, "Failed to list incidents", err)
		return
	}
	if incidents == nil {
		incidents = []*core.Incident{}
	}
	a.respondJSON(w, incidentList{
		Incidents: incidents,
		Total:     total,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	}, http.StatusOK)
}

func parseIncidentFilter(r *http.Request) (storage.IncidentFilter, error) {
	q := r.URL.Query()
	filter := storage.IncidentFilter{Limit: storage.DefaultListLimit}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := core.IncidentStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !status.IsValid() {
				return filter, fmt.Errorf("invalid status %q", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if v := q.Get("min_severity"); v != "" {
		sev, err := core.ParseSeverity(v)
		if err != nil {
			return filter, err
		}
		filter.MinSeverity = sev
	}

	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, fmt.Errorf("invalid %s: must be RFC3339", name)
			}
			*dst = t.UTC()
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return filter, fmt.Errorf("invalid limit: must be between 1 and %d", maxListLimit)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid offset: must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// getIncident returns one incident with its full history
func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.deps.Incidents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, "Failed to get incident", err)
		return
	}
	a.respondJSON(w, inc, http.StatusOK)
}

// listIncidentRuns returns the playbook runs of an incident oldest first
func (a *API) listIncidentRuns(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.deps.Incidents.Get(r.Context(), id); err != nil {
		a.writeDomainError(w, "Failed to get incident", err)
		return
	}
	runs, err := a.deps.Incidents.ListRuns(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []*core.PlaybookRun{}
	}
	a.respondJSON(w, runs, http.StatusOK)
}

// requireOperator returns the caller's identity or writes 400
func (a *API) requireOperator(w http.ResponseWriter, r *http.Request) (string, bool) {
	operator := OperatorFromContext(r.Context())
	if operator == "" {
		writeError(w, http.StatusBadRequest, "operator identity required (X-Operator header)", nil, nil)
		return "", false
	}
	return operator, true
}

// closeIncident closes an incident on operator confirmation
func (a *API) closeIncident(w http.ResponseWriter, r *http.Request) {
	a.operatorTransition(w, r, a.deps.Operator.CloseIncident, "Failed to close incident")
}

// reopenIncident reopens a closed incident
func (a *API) reopenIncident(w http.ResponseWriter, r *http.Request) {
	a.operatorTransition(w, r, a.deps.Operator.ReopenIncident, "Failed to reopen incident")
}

type transitionFunc func(ctx context.Context, id, operator, reason string) (*core.Incident, error)

func (a *API) operatorTransition(w http.ResponseWriter, r *http.Request, apply transitionFunc, failure string) {
	operator, ok := a.requireOperator(w, r)
	if !ok {
		return
	}
	var req operatorRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, a.config.API.MaxBodyBytes); err != nil {
		return
	}

	inc, err := apply(r.Context(), mux.Vars(r)["id"], operator, req.Reason)
	if err != nil {
		a.writeDomainError(w, failure, err)
		return
	}
	a.respondJSON(w, inc, http.StatusOK)
}

// triggerPlaybook starts a playbook manually for an incident
func (a *API) triggerPlaybook(w http.ResponseWriter, r *http.Request) {
	operator, ok := a.requireOperator(w, r)
	if !ok {
		return
	}
	var req triggerRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, a.config.API.MaxBodyBytes); err != nil {
		return
	}

	indicators := make([]core.Indicator, 0, len(req.Indicators))
	for _, in := range req.Indicators {
		ind, err := core.NewIndicator(in.Kind, in.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid indicator: %v", err), nil, a.logger)
			return
		}
		indicators = append(indicators, ind)
	}

	vars := mux.Vars(r)
	run, err := a.deps.Playbooks.TriggerAs(r.Context(), vars["id"], vars["name"], core.NewIndicatorSet(indicators...), operator)
	if err != nil {
		a.writeDomainError(w, "Failed to trigger playbook", err)
		return
	}
	a.respondJSON(w, run, http.StatusAccepted)
}

// getRun returns one playbook run
func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.deps.Incidents.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, "Failed to get run", err)
		return
	}
	a.respondJSON(w, run, http.StatusOK)
}

// cancelRun requests cancellation; the step in flight completes first
func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	operator, ok := a.requireOperator(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.deps.Playbooks.Cancel(r.Context(), id, operator); err != nil {
		a.writeDomainError(w, "Failed to cancel run", err)
		return
	}
	a.respondJSON(w, map[string]string{"run_id": id, "status": "cancel_requested"}, http.StatusAccepted)
}

// serveStream upgrades to the notification WebSocket
func (a *API) serveStream(w http.ResponseWriter, r *http.Request) {
	serveWs(a.hub, a.logger, w, r)
}

// healthCheck reports liveness and stream client count
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]interface{}{
		"status":         "healthy",
		"time":           time.Now().UTC().Format(time.RFC3339),
		"stream_clients": a.hub.ClientCount(),
	}, http.StatusOK)
}
