package soar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/core"
	"warden/metrics"

	"go.uber.org/zap"
)

// Action result statuses
const (
	ResultOK      = "ok"
	ResultApplied = "applied"
	ResultAbsent  = "absent"
	ResultFailed  = "failed"
)

var (
	// ErrUnknownAction is returned when no provider handles an action name
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidParams is returned when action parameters are missing or malformed
	ErrInvalidParams = errors.New("invalid action parameters")
)

// ActionResult is what an action provider reports for one call
type ActionResult struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Output  map[string]string `json:"output,omitempty"`
}

// ActionProvider executes named response actions. Implementations must honor ctx.
type ActionProvider interface {
	Execute(ctx context.Context, action string, params map[string]string) (*ActionResult, error)
}

// ActionFunc adapts a function to ActionProvider
type ActionFunc func(ctx context.Context, action string, params map[string]string) (*ActionResult, error)

// Execute calls f
func (f ActionFunc) Execute(ctx context.Context, action string, params map[string]string) (*ActionResult, error) {
	return f(ctx, action, params)
}

// Router dispatches actions to providers by action name
type Router struct {
	mu        sync.RWMutex
	providers map[string]ActionProvider
	logger    *zap.SugaredLogger
}

// NewRouter creates an empty router
func NewRouter(logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{providers: make(map[string]ActionProvider), logger: logger}
}

// Handle routes action to provider, replacing any previous route
func (r *Router) Handle(action string, provider ActionProvider) {
	r.mu.Lock()
	r.providers[action] = provider
	r.mu.Unlock()
	r.logger.Infof("Registered playbook action: %s", action)
}

// Actions returns the routed action names
func (r *Router) Actions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Has reports whether action is routed
func (r *Router) Has(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[action]
	return ok
}

// Execute dispatches to the provider registered for action
func (r *Router) Execute(ctx context.Context, action string, params map[string]string) (*ActionResult, error) {
	r.mu.RLock()
	p, ok := r.providers[action]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return p.Execute(ctx, action, params)
}

// HTTPActionConfig configures a REST action provider
type HTTPActionConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Breaker settings apply to each action separately
	MaxFailures  uint32
	BreakerReset time.Duration
}

// HTTPActionProvider runs actions with POST {base}/api/v1/actions/{name}.
// Each action has its own circuit breaker so one failing integration
// does not block the others behind the same endpoint.
type HTTPActionProvider struct {
	name     string
	baseURL  string
	apiKey   string
	client   *http.Client
	breakers map[string]*core.CircuitBreaker
	cbMu     sync.Mutex
	cbConfig core.CircuitBreakerConfig
	logger   *zap.SugaredLogger
}

type actionRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
}

// NewHTTPActionProvider creates a REST action provider
func NewHTTPActionProvider(cfg HTTPActionConfig, logger *zap.SugaredLogger) (*HTTPActionProvider, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid action provider URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Name == "" {
		cfg.Name = "actions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cbConfig := core.DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.MaxFailures > 0 {
		cbConfig.MaxFailures = cfg.MaxFailures
	}
	if cfg.BreakerReset > 0 {
		cbConfig.Timeout = cfg.BreakerReset
	}
	cbConfig.OnStateChange = func(name string, from, to core.CircuitBreakerState) {
		logger.Warnw("Action circuit breaker changed state", "breaker", name, "from", from, "to", to)
		open := 0.0
		if to == core.CircuitBreakerStateOpen {
			open = 1
		}
		metrics.CircuitBreakerState.WithLabelValues(name).Set(open)
	}

	return &HTTPActionProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		breakers: make(map[string]*core.CircuitBreaker),
		cbConfig: cbConfig,
		logger:   logger,
	}, nil
}

// getOrCreateCircuitBreaker returns the breaker for one action
func (p *HTTPActionProvider) getOrCreateCircuitBreaker(action string) *core.CircuitBreaker {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if cb, ok := p.breakers[action]; ok {
		return cb
	}
	cfg := p.cbConfig
	cfg.Name = p.name + "/" + action
	cb := core.MustNewCircuitBreaker(cfg)
	p.breakers[action] = cb
	return cb
}

// Execute posts the action and decodes the provider's result
func (p *HTTPActionProvider) Execute(ctx context.Context, action string, params map[string]string) (*ActionResult, error) {
	cb := p.getOrCreateCircuitBreaker(action)

	var result *ActionResult
	err := cb.Execute(func() error {
		var err error
		result, err = p.post(ctx, action, params)
		return err
	}, func(err error) bool { return ClassifyError(err) == ErrorTypePermanent })
	if err != nil {
		if errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", core.ErrProviderError, err)
		}
		return nil, err
	}
	return result, nil
}

func (p *HTTPActionProvider) post(ctx context.Context, action string, params map[string]string) (*ActionResult, error) {
	body, err := json.Marshal(actionRequest{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/actions/%s", p.baseURL, url.PathEscape(action))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", core.ErrProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrProviderTimeout, action, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", core.ErrProviderError, action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return nil, &HTTPStatusError{Code: resp.StatusCode, Message: text}
	}

	var result ActionResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode %s response: %v", core.ErrProviderError, action, err)
	}
	if result.Status == "" {
		result.Status = ResultOK
	}
	return &result, nil
}
