package threat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"warden/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPProvider_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.URL.EscapedPath() {
		case "/api/v1/indicators/ip/203.0.113.7":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"reputation":92,"campaign_tag":"APT-X","context":{"country":"NL"}}`))
		case "/api/v1/indicators/user/DOMAIN%5Calice":
			w.Write([]byte(`{"reputation":5}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderConfig{Name: "intel", BaseURL: srv.URL + "/", APIKey: "secret"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	got, err := p.Lookup(context.Background(), mustIndicator(core.IndicatorIP, "203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, 92, got.Reputation)
	assert.Equal(t, "APT-X", got.CampaignTag)
	assert.Equal(t, "intel", got.Source)
	assert.Equal(t, "NL", got.Context["country"])

	got, err = p.Lookup(context.Background(), mustIndicator(core.IndicatorUser, `DOMAIN\alice`))
	require.NoError(t, err)
	assert.Equal(t, 5, got.Reputation)

	_, err = p.Lookup(context.Background(), mustIndicator(core.IndicatorDomain, "unknown.example"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPProvider_ServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := core.DefaultCircuitBreakerConfig("intel")
	breaker.MaxFailures = 2
	p, err := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL, Breaker: breaker}, nil)
	require.NoError(t, err)

	ind := mustIndicator(core.IndicatorIP, "10.0.0.1")
	for i := 0; i < 2; i++ {
		_, err = p.Lookup(context.Background(), ind)
		assert.ErrorIs(t, err, core.ErrProviderError)
	}

	_, err = p.Lookup(context.Background(), ind)
	assert.ErrorIs(t, err, core.ErrProviderError)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), hits.Load(), "open breaker must short-circuit the request")
}

func TestHTTPProvider_NotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	breaker := core.DefaultCircuitBreakerConfig("intel")
	breaker.MaxFailures = 1
	p, err := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL, Breaker: breaker}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = p.Lookup(context.Background(), mustIndicator(core.IndicatorIP, "10.0.0.2"))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, core.CircuitBreakerStateClosed, p.breaker.State())
}

func TestHTTPProvider_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Lookup(ctx, mustIndicator(core.IndicatorIP, "10.0.0.3"))
	assert.ErrorIs(t, err, core.ErrProviderTimeout)
}

func TestNewHTTPProvider_InvalidURL(t *testing.T) {
	_, err := NewHTTPProvider(HTTPProviderConfig{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}
