package threat

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposite_MergesFoundResults(t *testing.T) {
	ind := mustIndicator(core.IndicatorIP, "203.0.113.7")
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := &stubProvider{name: "feed-a", intel: map[string]*Intel{
		ind.Key(): {Reputation: 40, CampaignTag: "APT-X", FirstSeen: late, LastSeen: late, Source: "feed-a", Context: map[string]string{"country": "NL"}},
	}}
	b := &stubProvider{name: "feed-b", intel: map[string]*Intel{
		ind.Key(): {Reputation: 85, CampaignTag: "APT-Y", FirstSeen: early, LastSeen: early, Source: "feed-b", Context: map[string]string{"asn": "64500"}},
	}}
	c := &stubProvider{name: "feed-c"}

	got, err := NewComposite(nil, a, b, c).Lookup(context.Background(), ind)
	require.NoError(t, err)
	assert.Equal(t, 85, got.Reputation)
	assert.Equal(t, "APT-X", got.CampaignTag)
	assert.Equal(t, early, got.FirstSeen)
	assert.Equal(t, late, got.LastSeen)
	assert.Equal(t, "feed-a,feed-b", got.Source)
	assert.Equal(t, map[string]string{"country": "NL", "asn": "64500"}, got.Context)
}

func TestComposite_AllMiss(t *testing.T) {
	ind := mustIndicator(core.IndicatorDomain, "example.com")
	_, err := NewComposite(nil, &stubProvider{}, &stubProvider{}).Lookup(context.Background(), ind)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComposite_FailureWithoutHitIsError(t *testing.T) {
	ind := mustIndicator(core.IndicatorDomain, "example.com")
	failing := &stubProvider{name: "down", err: core.ErrProviderError}

	_, err := NewComposite(nil, &stubProvider{}, failing).Lookup(context.Background(), ind)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrProviderError))
	assert.False(t, errors.Is(err, ErrNotFound), "a miss next to a failure must not be cached as negative")
}

func TestComposite_PartialFailureKeepsHits(t *testing.T) {
	ind := mustIndicator(core.IndicatorHost, "db-01")
	ok := &stubProvider{intel: map[string]*Intel{ind.Key(): {Reputation: 10, Source: "inventory"}}}
	failing := &stubProvider{err: core.ErrProviderTimeout}

	got, err := NewComposite(nil, ok, failing).Lookup(context.Background(), ind)
	require.NoError(t, err)
	assert.Equal(t, "inventory", got.Source)
}
