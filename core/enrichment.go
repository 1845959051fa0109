package core

import "time"

// EnrichmentStatus is the outcome of an intel lookup for one indicator
type EnrichmentStatus string

const (
	EnrichmentFound       EnrichmentStatus = "found"
	EnrichmentNotFound    EnrichmentStatus = "not_found"
	EnrichmentUnavailable EnrichmentStatus = "unavailable"
)

// Enrichment is the intel and asset context attached to one indicator.
// Status unavailable means the lookup failed; reputation is then unknown.
type Enrichment struct {
	Indicator   Indicator         `json:"indicator"`
	Status      EnrichmentStatus  `json:"status"`
	Reputation  int               `json:"reputation"`
	CampaignTag string            `json:"campaign_tag,omitempty"`
	FirstSeen   time.Time         `json:"first_seen,omitempty"`
	LastSeen    time.Time         `json:"last_seen,omitempty"`
	Sources     []string          `json:"sources,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Error       string            `json:"error,omitempty"`
	LookedUpAt  time.Time         `json:"looked_up_at"`
}

// Unavailable reports whether the lookup for this indicator failed
func (e Enrichment) Unavailable() bool {
	return e.Status == EnrichmentUnavailable
}

// Clone returns a deep copy of e
func (e Enrichment) Clone() Enrichment {
	out := e
	if e.Sources != nil {
		out.Sources = append([]string(nil), e.Sources...)
	}
	if e.Context != nil {
		out.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	return out
}

// EnrichedEvent is an Event plus enrichment results keyed by Indicator.Key()
type EnrichedEvent struct {
	Event      *Event
	Enrichment map[string]Enrichment
}

// UnavailableIndicators lists indicators whose lookup failed
func (ee *EnrichedEvent) UnavailableIndicators() IndicatorSet {
	var failed []Indicator
	for _, e := range ee.Enrichment {
		if e.Unavailable() {
			failed = append(failed, e.Indicator)
		}
	}
	return NewIndicatorSet(failed...)
}
