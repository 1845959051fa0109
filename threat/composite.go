package threat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"warden/core"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Composite queries several providers in parallel and merges what they know.
// A mix of failures and misses is reported as a failure so the miss is not cached.
type Composite struct {
	providers []Provider
	logger    *zap.SugaredLogger
}

// NewComposite combines providers; order decides which campaign tag wins
func NewComposite(logger *zap.SugaredLogger, providers ...Provider) *Composite {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Composite{providers: providers, logger: logger}
}

// Name returns the provider name
func (c *Composite) Name() string {
	return "composite"
}

// Lookup fans out to every provider and merges found results
func (c *Composite) Lookup(ctx context.Context, ind core.Indicator) (*Intel, error) {
	intels := make([]*Intel, len(c.providers))
	errs := make([]error, len(c.providers))

	var g errgroup.Group
	for i, p := range c.providers {
		g.Go(func() error {
			intels[i], errs[i] = p.Lookup(ctx, ind)
			return nil
		})
	}
	_ = g.Wait()

	var found []*Intel
	var failures []error
	for i, err := range errs {
		switch {
		case err == nil && intels[i] != nil:
			found = append(found, intels[i])
		case err == nil, errors.Is(err, ErrNotFound):
		default:
			failures = append(failures, fmt.Errorf("%s: %w", c.providers[i].Name(), err))
		}
	}

	if len(found) == 0 {
		if len(failures) > 0 {
			return nil, errors.Join(failures...)
		}
		return nil, ErrNotFound
	}
	if len(failures) > 0 {
		c.logger.Warnw("Partial enrichment", "indicator", ind.Key(), "error", errors.Join(failures...))
	}
	return mergeIntel(ind, found), nil
}

func mergeIntel(ind core.Indicator, found []*Intel) *Intel {
	merged := &Intel{Indicator: ind, Context: map[string]string{}}
	var sources []string
	for _, in := range found {
		if in.Reputation > merged.Reputation {
			merged.Reputation = in.Reputation
		}
		if merged.CampaignTag == "" {
			merged.CampaignTag = in.CampaignTag
		}
		if !in.FirstSeen.IsZero() && (merged.FirstSeen.IsZero() || in.FirstSeen.Before(merged.FirstSeen)) {
			merged.FirstSeen = in.FirstSeen
		}
		if in.LastSeen.After(merged.LastSeen) {
			merged.LastSeen = in.LastSeen
		}
		for k, v := range in.Context {
			if _, exists := merged.Context[k]; !exists {
				merged.Context[k] = v
			}
		}
		if in.Source != "" {
			sources = append(sources, in.Source)
		}
	}
	sort.Strings(sources)
	if len(sources) > 0 {
		merged.Source = sources[0]
		for _, s := range sources[1:] {
			merged.Source += "," + s
		}
	}
	return merged
}
