package threat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/core"
	"warden/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// EnricherConfig bounds outbound lookups
type EnricherConfig struct {
	// LookupTimeout caps each provider call
	LookupTimeout time.Duration
	// MaxConcurrency caps parallel lookups within one Enrich call
	MaxConcurrency int
}

// DefaultEnricherConfig returns the defaults used when nothing is configured
func DefaultEnricherConfig() EnricherConfig {
	return EnricherConfig{LookupTimeout: 3 * time.Second, MaxConcurrency: 8}
}

// Enricher resolves indicators to enrichment results through the cache and a provider.
// Concurrent lookups for the same indicator share one provider call.
type Enricher struct {
	provider Provider
	cache    *IndicatorCache
	config   EnricherConfig
	group    singleflight.Group
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewEnricher creates an enricher. The cache is injected so tests and
// multiple pipelines can share or isolate it.
func NewEnricher(provider Provider, cache *IndicatorCache, config EnricherConfig, logger *zap.SugaredLogger) *Enricher {
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = DefaultEnricherConfig().LookupTimeout
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultEnricherConfig().MaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Enricher{
		provider: provider,
		cache:    cache,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// EnrichEvent attaches enrichment for every indicator of ev
func (e *Enricher) EnrichEvent(ctx context.Context, ev *core.Event) *core.EnrichedEvent {
	return &core.EnrichedEvent{Event: ev, Enrichment: e.Enrich(ctx, ev.Indicators())}
}

// Enrich looks up every indicator concurrently. It never fails as a whole:
// an indicator whose lookup fails is returned with status unavailable.
func (e *Enricher) Enrich(ctx context.Context, set core.IndicatorSet) map[string]core.Enrichment {
	results := make([]core.Enrichment, len(set))

	var g errgroup.Group
	g.SetLimit(e.config.MaxConcurrency)
	for i, ind := range set {
		g.Go(func() error {
			results[i] = e.Lookup(ctx, ind)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]core.Enrichment, len(set))
	for _, r := range results {
		out[r.Indicator.Key()] = r
	}
	return out
}

// Lookup resolves one indicator
func (e *Enricher) Lookup(ctx context.Context, ind core.Indicator) core.Enrichment {
	if cached, ok := e.cache.Get(ctx, ind); ok {
		metrics.EnrichmentLookups.WithLabelValues(string(ind.Kind), "cached").Inc()
		return cached
	}

	ch := e.group.DoChan(ind.Key(), func() (interface{}, error) {
		return e.fetch(ctx, ind), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.EnrichmentCoalesced.Inc()
		}
		return res.Val.(core.Enrichment).Clone()
	case <-ctx.Done():
		return e.unavailable(ind, ctx.Err())
	}
}

// fetch performs the single outbound call for a coalesced key. The call is
// detached from the first caller's cancellation so other waiters still get
// an answer, and is bounded by LookupTimeout instead.
func (e *Enricher) fetch(ctx context.Context, ind core.Indicator) core.Enrichment {
	if cached, ok := e.cache.Get(ctx, ind); ok {
		return cached
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.LookupTimeout)
	defer cancel()

	intel, err := e.provider.Lookup(callCtx, ind)
	switch {
	case err == nil:
		result := intel.toEnrichment(ind, e.now())
		e.cache.Put(callCtx, result)
		metrics.EnrichmentLookups.WithLabelValues(string(ind.Kind), "found").Inc()
		return result
	case errors.Is(err, ErrNotFound):
		result := core.Enrichment{Indicator: ind, Status: core.EnrichmentNotFound, LookedUpAt: e.now()}
		e.cache.Put(callCtx, result)
		metrics.EnrichmentLookups.WithLabelValues(string(ind.Kind), "not_found").Inc()
		return result
	default:
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, core.ErrProviderTimeout) {
			err = fmt.Errorf("%w: %v", core.ErrProviderTimeout, err)
		}
		e.logger.Warnw("Enrichment lookup failed",
			"provider", e.provider.Name(),
			"indicator", ind.Key(),
			"error", err)
		metrics.EnrichmentLookups.WithLabelValues(string(ind.Kind), "unavailable").Inc()
		return e.unavailable(ind, err)
	}
}

func (e *Enricher) unavailable(ind core.Indicator, err error) core.Enrichment {
	return core.Enrichment{
		Indicator:  ind,
		Status:     core.EnrichmentUnavailable,
		Error:      err.Error(),
		LookedUpAt: e.now(),
	}
}
