package threat

import (
	"context"
	"errors"
	"time"

	"warden/core"
)

// ErrNotFound is returned by a Provider that has no intel for an indicator.
// It is a successful negative answer, not a failure.
var ErrNotFound = errors.New("no intel for indicator")

// Intel is what a provider knows about one indicator
type Intel struct {
	Indicator   core.Indicator    `json:"indicator"`
	Reputation  int               `json:"reputation"`
	CampaignTag string            `json:"campaign_tag,omitempty"`
	FirstSeen   time.Time         `json:"first_seen,omitempty"`
	LastSeen    time.Time         `json:"last_seen,omitempty"`
	Source      string            `json:"source"`
	Context     map[string]string `json:"context,omitempty"`
}

// Provider looks up threat intelligence or asset context for an indicator.
// Lookup returns ErrNotFound for a negative result and must honor ctx deadlines.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ind core.Indicator) (*Intel, error)
}

// toEnrichment converts a found Intel into the enrichment record cached and attached to incidents
func (i *Intel) toEnrichment(ind core.Indicator, now time.Time) core.Enrichment {
	e := core.Enrichment{
		Indicator:   ind,
		Status:      core.EnrichmentFound,
		Reputation:  i.Reputation,
		CampaignTag: i.CampaignTag,
		FirstSeen:   i.FirstSeen,
		LastSeen:    i.LastSeen,
		LookedUpAt:  now,
	}
	if i.Source != "" {
		e.Sources = []string{i.Source}
	}
	if len(i.Context) > 0 {
		e.Context = make(map[string]string, len(i.Context))
		for k, v := range i.Context {
			e.Context[k] = v
		}
	}
	return e
}
