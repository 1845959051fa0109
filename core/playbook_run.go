package core

import "time"

// RunStatus is the lifecycle state of a playbook run
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunRetrying  RunStatus = "RETRYING"
)

// IsTerminal reports whether the run has stopped executing
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// RunKey identifies a run: re-triggering the same key is idempotent
type RunKey struct {
	IncidentID    string `json:"incident_id"`
	Playbook      string `json:"playbook"`
	IndicatorHash string `json:"indicator_hash"`
}

// NewRunKey builds the identity of a trigger
func NewRunKey(incidentID, playbook string, indicators IndicatorSet) RunKey {
	return RunKey{IncidentID: incidentID, Playbook: playbook, IndicatorHash: indicators.Fingerprint()}
}

// String renders the key for unique indexes and logs
func (k RunKey) String() string {
	return k.IncidentID + "/" + k.Playbook + "/" + k.IndicatorHash
}

// SlotKey identifies runs that must never execute concurrently
func (k RunKey) SlotKey() string {
	return k.IncidentID + "/" + k.Playbook
}

// StepStatus is the outcome of one playbook step
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepVerified  StepStatus = "verified"
)

// StepResult records one step of one run attempt
type StepResult struct {
	Name              string            `json:"name"`
	Action            string            `json:"action"`
	Status            StepStatus        `json:"status"`
	Attempts          int               `json:"attempts"`
	Idempotent        bool              `json:"idempotent"`
	IdempotentRetried bool              `json:"idempotent_retried"`
	Verified          bool              `json:"verified,omitempty"`
	Output            map[string]string `json:"output,omitempty"`
	Error             string            `json:"error,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// PlaybookRun is one execution of a named playbook against an incident
type PlaybookRun struct {
	ID          string       `json:"id"`
	Key         RunKey       `json:"key"`
	IncidentID  string       `json:"incident_id"`
	Playbook    string       `json:"playbook"`
	Indicators  IndicatorSet `json:"indicators"`
	Status      RunStatus    `json:"status"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	Steps       []StepResult `json:"steps"`
	Error       string       `json:"error,omitempty"`
	Cancelled   bool         `json:"cancelled"`
	CancelledBy string       `json:"cancelled_by,omitempty"`
	TriggeredBy string       `json:"triggered_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	Version     int64        `json:"version"`
}

// CanRetry reports whether a FAILED run still has attempt budget
func (r *PlaybookRun) CanRetry() bool {
	return r.Status == RunFailed && r.Attempts < r.MaxAttempts
}

// Clone returns a deep copy of r
func (r *PlaybookRun) Clone() *PlaybookRun {
	out := *r
	out.Indicators = r.Indicators.Clone()
	out.Steps = make([]StepResult, len(r.Steps))
	for n, s := range r.Steps {
		if s.Output != nil {
			o := make(map[string]string, len(s.Output))
			for k, v := range s.Output {
				o[k] = v
			}
			s.Output = o
		}
		out.Steps[n] = s
	}
	return &out
}
