package core

import "errors"

// Normalization errors
var (
	// ErrMalformedPayload is returned when a payload lacks a timestamp, indicators or decodable fields
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnsupportedSource is returned for sensor kinds without a registered field mapper
	ErrUnsupportedSource = errors.New("unsupported source")
)

// Provider errors are recoverable and trigger retry/backoff
var (
	// ErrProviderTimeout is returned when an enrichment or action provider exceeds its deadline
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrProviderError is returned when a provider answers with a failure
	ErrProviderError = errors.New("provider error")
)

// Incident and playbook errors
var (
	// ErrStaleIncidentVersion is returned when a compare-and-swap loses against a concurrent writer
	ErrStaleIncidentVersion = errors.New("stale incident version")

	// ErrIncidentContention is returned once bounded conflict retries are exhausted
	ErrIncidentContention = errors.New("incident contention")

	// ErrIncidentNotFound is returned when an incident does not exist
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrEventAlreadyAssigned is returned when an event is attached to a second incident
	ErrEventAlreadyAssigned = errors.New("event already assigned to an incident")

	// ErrInvalidTransition is returned for lifecycle moves the state machine forbids
	ErrInvalidTransition = errors.New("invalid incident status transition")

	// ErrPlaybookStepFailed marks a run terminated by a step that exhausted its retries
	ErrPlaybookStepFailed = errors.New("playbook step failed")

	// ErrUnknownPlaybook is a configuration error raised at trigger time and never retried
	ErrUnknownPlaybook = errors.New("unknown playbook")

	// ErrRunNotFound is returned when a playbook run does not exist
	ErrRunNotFound = errors.New("playbook run not found")

	// ErrStaleRunVersion is returned when a run compare-and-swap loses against a concurrent writer
	ErrStaleRunVersion = errors.New("stale playbook run version")
)
