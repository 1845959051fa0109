package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SensorKind identifies the sensor family a payload came from
type SensorKind string

const (
	SensorSuricata     SensorKind = "suricata"
	SensorWazuh        SensorKind = "wazuh"
	SensorYara         SensorKind = "yara"
	SensorZeek         SensorKind = "zeek"
	SensorVelociraptor SensorKind = "velociraptor"
	SensorCanonical    SensorKind = "canonical"
)

// Event is one normalized observation from a sensor.
// Fields are unexported so an Event cannot change after NewEvent returns.
type Event struct {
	id          string
	sensor      SensorKind
	stream      string
	timestamp   time.Time
	severity    Severity
	signature   string
	indicators  IndicatorSet
	rawRef      string
	fingerprint string
}

// EventParams carries the inputs for NewEvent
type EventParams struct {
	ID         string
	Sensor     SensorKind
	Stream     string
	Timestamp  time.Time
	Severity   Severity
	Signature  string
	Indicators []Indicator
	RawRef     string
}

// NewEvent validates params and builds an immutable Event.
// A missing timestamp or an empty indicator list is ErrMalformedPayload.
func NewEvent(p EventParams) (*Event, error) {
	if p.ID == "" {
		return nil, errors.New("event id is required")
	}
	if p.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	if len(p.Indicators) == 0 {
		return nil, fmt.Errorf("%w: no indicators", ErrMalformedPayload)
	}
	if p.Severity == "" {
		p.Severity = SeverityMedium
	}
	if !p.Severity.IsValid() {
		return nil, fmt.Errorf("%w: invalid severity %q", ErrMalformedPayload, p.Severity)
	}
	if p.Stream == "" {
		p.Stream = string(p.Sensor)
	}

	e := &Event{
		id:         p.ID,
		sensor:     p.Sensor,
		stream:     p.Stream,
		timestamp:  p.Timestamp.UTC(),
		severity:   p.Severity,
		signature:  p.Signature,
		indicators: NewIndicatorSet(p.Indicators...),
		rawRef:     p.RawRef,
	}
	e.fingerprint = e.computeFingerprint()
	return e, nil
}

// computeFingerprint identifies repeated detections of the same thing
func (e *Event) computeFingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.sensor))
	h.Write([]byte{0})
	h.Write([]byte(e.signature))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(e.timestamp.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.indicators.Fingerprint()))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Event) ID() string               { return e.id }
func (e *Event) Sensor() SensorKind       { return e.sensor }
func (e *Event) Stream() string           { return e.stream }
func (e *Event) Timestamp() time.Time     { return e.timestamp }
func (e *Event) Severity() Severity       { return e.severity }
func (e *Event) Signature() string        { return e.signature }
func (e *Event) RawRef() string           { return e.rawRef }
func (e *Event) Fingerprint() string      { return e.fingerprint }
func (e *Event) Indicators() IndicatorSet { return e.indicators.Clone() }

// EventView is the serialized form of an Event
type EventView struct {
	ID          string      `json:"id"`
	Sensor      SensorKind  `json:"sensor"`
	Stream      string      `json:"stream"`
	Timestamp   time.Time   `json:"timestamp"`
	Severity    Severity    `json:"severity"`
	Signature   string      `json:"signature,omitempty"`
	Indicators  []Indicator `json:"indicators"`
	RawRef      string      `json:"raw_ref,omitempty"`
	Fingerprint string      `json:"fingerprint"`
}

// View returns a serializable snapshot of e
func (e *Event) View() EventView {
	return EventView{
		ID:          e.id,
		Sensor:      e.sensor,
		Stream:      e.stream,
		Timestamp:   e.timestamp,
		Severity:    e.severity,
		Signature:   e.signature,
		Indicators:  e.indicators.Clone(),
		RawRef:      e.rawRef,
		Fingerprint: e.fingerprint,
	}
}
