package ingest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"warden/core"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/canonical_event.json
var canonicalSchema []byte

// CanonicalEvent is the JSON shape of an event that was normalized upstream
type CanonicalEvent struct {
	ID         string               `json:"id,omitempty" validate:"omitempty,max=128"`
	Source     string               `json:"source,omitempty" validate:"omitempty,max=256"`
	Timestamp  string               `json:"timestamp" validate:"required"`
	Severity   string               `json:"severity,omitempty"`
	Signature  string               `json:"signature,omitempty" validate:"max=1024"`
	Indicators []CanonicalIndicator `json:"indicators" validate:"required,min=1,dive"`
	RawRef     string               `json:"raw_ref,omitempty"`
}

// CanonicalIndicator is one indicator of a CanonicalEvent
type CanonicalIndicator struct {
	Kind  string `json:"kind" validate:"required,oneof=ip domain hash user host"`
	Value string `json:"value" validate:"required,max=2048"`
}

// canonicalMapper accepts already-normalized events. The payload is checked
// against the embedded JSON schema, then struct rules, and indicator values
// must parse for their kind.
type canonicalMapper struct {
	schema   gojsonschema.JSONLoader
	validate *validator.Validate
}

func newCanonicalMapper() *canonicalMapper {
	return &canonicalMapper{
		schema:   gojsonschema.NewBytesLoader(canonicalSchema),
		validate: validator.New(),
	}
}

func (m *canonicalMapper) Sensor() core.SensorKind { return core.SensorCanonical }

func (m *canonicalMapper) Map(doc Document) (*Mapped, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedPayload, err)
	}

	result, err := gojsonschema.Validate(m.schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: schema validation: %v", core.ErrMalformedPayload, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", core.ErrMalformedPayload, strings.Join(msgs, "; "))
	}

	var ce CanonicalEvent
	if err := json.Unmarshal(data, &ce); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedPayload, err)
	}
	if err := m.validate.Struct(ce); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedPayload, err)
	}

	ts, err := doc.timestamp("timestamp")
	if err != nil {
		return nil, err
	}
	sev, err := namedSeverity.fromValue(ce.Severity)
	if err != nil {
		return nil, err
	}

	inds := make([]core.Indicator, 0, len(ce.Indicators))
	for _, ci := range ce.Indicators {
		ind, err := core.NewIndicator(core.IndicatorKind(ci.Kind), ci.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrMalformedPayload, err)
		}
		inds = append(inds, ind)
	}

	return &Mapped{
		EventID:    ce.ID,
		Stream:     ce.Source,
		Timestamp:  ts,
		Severity:   sev,
		Signature:  ce.Signature,
		Indicators: inds,
		RawRef:     ce.RawRef,
	}, nil
}
