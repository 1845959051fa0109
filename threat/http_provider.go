package threat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warden/core"
	"warden/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPProviderConfig configures a REST threat intel provider
type HTTPProviderConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Breaker           core.CircuitBreakerConfig
}

// HTTPProvider looks indicators up at GET {base}/api/v1/indicators/{kind}/{value}.
// 404 is a negative result; 429 and 5xx are provider errors.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

type intelResponse struct {
	Reputation  int               `json:"reputation"`
	CampaignTag string            `json:"campaign_tag"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	Context     map[string]string `json:"context"`
}

// NewHTTPProvider creates an intel provider with rate limiting and a circuit breaker
func NewHTTPProvider(cfg HTTPProviderConfig, logger *zap.SugaredLogger) (*HTTPProvider, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid intel provider URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Name == "" {
		cfg.Name = "intel"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	if cfg.Breaker.Name == "" {
		cfg.Breaker = core.DefaultCircuitBreakerConfig(cfg.Name)
	}
	cfg.Breaker.OnStateChange = func(name string, from, to core.CircuitBreakerState) {
		logger.Warnw("Intel provider circuit breaker changed state", "provider", name, "from", from, "to", to)
		open := 0.0
		if to == core.CircuitBreakerStateOpen {
			open = 1
		}
		metrics.CircuitBreakerState.WithLabelValues(name).Set(open)
	}
	breaker, err := core.NewCircuitBreaker(cfg.Breaker)
	if err != nil {
		return nil, err
	}

	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Name returns the provider name
func (p *HTTPProvider) Name() string {
	return p.name
}

// Lookup queries the intel service for one indicator
func (p *HTTPProvider) Lookup(ctx context.Context, ind core.Indicator) (*Intel, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(err)
	}

	var intel *Intel
	err := p.breaker.Execute(func() error {
		var err error
		intel, err = p.fetch(ctx, ind)
		return err
	}, func(err error) bool { return errors.Is(err, ErrNotFound) })
	if err != nil {
		if errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", core.ErrProviderError, err)
		}
		return nil, err
	}
	return intel, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, ind core.Indicator) (*Intel, error) {
	endpoint := fmt.Sprintf("%s/api/v1/indicators/%s/%s", p.baseURL, ind.Kind, url.PathEscape(ind.Value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", core.ErrProviderError, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned HTTP %d", core.ErrProviderError, p.name, resp.StatusCode)
	}

	var body intelResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", core.ErrProviderError, err)
	}
	return &Intel{
		Indicator:   ind,
		Reputation:  body.Reputation,
		CampaignTag: body.CampaignTag,
		FirstSeen:   body.FirstSeen,
		LastSeen:    body.LastSeen,
		Source:      p.name,
		Context:     body.Context,
	}, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", core.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", core.ErrProviderError, err)
}
