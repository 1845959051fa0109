package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"warden/core"
	"warden/util/goroutine"

	"go.uber.org/zap"
)

// WebhookConfig describes one webhook destination
type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url" validate:"required,url"`
	Headers map[string]string `mapstructure:"headers"`
	// MinSeverity filters incident notifications; empty sends everything
	MinSeverity string `mapstructure:"min_severity"`
	// Types restricts which notifications are sent; empty means status changes and failed runs
	Types []string `mapstructure:"types"`
}

// WebhookPayload is the JSON body posted to webhooks
type WebhookPayload struct {
	Type       Type                `json:"type"`
	At         time.Time           `json:"at"`
	IncidentID string              `json:"incident_id,omitempty"`
	Severity   core.Severity       `json:"severity,omitempty"`
	From       core.IncidentStatus `json:"from,omitempty"`
	To         core.IncidentStatus `json:"to,omitempty"`
	RunID      string              `json:"run_id,omitempty"`
	Playbook   string              `json:"playbook,omitempty"`
	RunStatus  core.RunStatus      `json:"run_status,omitempty"`
	Error      string              `json:"error,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// Notifier posts incident status changes and failed playbook runs to webhooks
type Notifier struct {
	configs         []WebhookConfig
	client          *http.Client
	logger          *zap.SugaredLogger
	circuitBreakers map[string]*core.CircuitBreaker // Circuit breakers per webhook URL
	cbMu            sync.RWMutex                    // Protects circuitBreakers map
}

// NewNotifier creates a new webhook notifier
func NewNotifier(configs []WebhookConfig, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		configs: configs,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		logger:          logger,
		circuitBreakers: make(map[string]*core.CircuitBreaker),
	}
}

// getOrCreateCircuitBreaker gets or creates a circuit breaker for a webhook URL
func (n *Notifier) getOrCreateCircuitBreaker(key string) *core.CircuitBreaker {
	n.cbMu.RLock()
	cb, exists := n.circuitBreakers[key]
	n.cbMu.RUnlock()

	if exists {
		return cb
	}

	n.cbMu.Lock()
	defer n.cbMu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := n.circuitBreakers[key]; exists {
		return cb
	}

	config := core.CircuitBreakerConfig{
		Name:                "webhook:" + key,
		MaxFailures:         3,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
	cb = core.MustNewCircuitBreaker(config)
	n.circuitBreakers[key] = cb
	n.logger.Infof("Created circuit breaker for webhook: %s", key)
	return cb
}

// Run forwards notifications from sub until it closes or ctx is cancelled
func (n *Notifier) Run(ctx context.Context, sub *Subscription) {
	defer goroutine.Recover("webhook-notifier", n.logger)
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-sub.C():
			if !ok {
				return
			}
			n.Notify(ctx, note)
		}
	}
}

// Notify sends note to every matching webhook. Delivery failures are logged, not returned.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	payload, ok := buildPayload(note)
	if !ok {
		return
	}
	for _, cfg := range n.configs {
		if !matches(cfg, note, payload) {
			continue
		}
		cb := n.getOrCreateCircuitBreaker(cfg.URL)
		err := cb.Execute(func() error {
			return n.post(ctx, cfg, payload)
		}, nil)
		if err != nil {
			n.logger.Warnw("Webhook delivery failed",
				"webhook", cfg.Name,
				"type", note.Type,
				"incident_id", note.IncidentID,
				"error", err)
		}
	}
}

// Send posts an ad-hoc message to the named webhook, or to every webhook when name is empty
func (n *Notifier) Send(ctx context.Context, name string, payload WebhookPayload) error {
	sent := false
	for _, cfg := range n.configs {
		if name != "" && cfg.Name != name {
			continue
		}
		sent = true
		cb := n.getOrCreateCircuitBreaker(cfg.URL)
		if err := cb.Execute(func() error { return n.post(ctx, cfg, payload) }, nil); err != nil {
			return fmt.Errorf("webhook %s: %w", cfg.Name, err)
		}
	}
	if !sent {
		return fmt.Errorf("no webhook named %q", name)
	}
	return nil
}

func buildPayload(note Notification) (WebhookPayload, bool) {
	p := WebhookPayload{Type: note.Type, At: note.At, IncidentID: note.IncidentID, From: note.From, To: note.To}
	if note.Incident != nil {
		p.Severity = note.Incident.Severity
	}
	if note.Run != nil {
		p.RunID = note.Run.ID
		p.Playbook = note.Run.Playbook
		p.RunStatus = note.Run.Status
		p.Error = note.Run.Error
	}
	switch note.Type {
	case IncidentStatusChanged:
		p.Message = fmt.Sprintf("Incident %s moved from %s to %s", note.IncidentID, note.From, note.To)
	case RunCompleted:
		p.Message = fmt.Sprintf("Playbook %s on incident %s finished %s", p.Playbook, note.IncidentID, p.RunStatus)
	default:
		return p, false
	}
	return p, true
}

func matches(cfg WebhookConfig, note Notification, p WebhookPayload) bool {
	if len(cfg.Types) > 0 {
		found := false
		for _, t := range cfg.Types {
			if Type(t) == note.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if note.Type == RunCompleted && p.RunStatus != core.RunFailed {
		return false
	}

	if cfg.MinSeverity != "" && p.Severity != "" {
		min, err := core.ParseSeverity(cfg.MinSeverity)
		if err == nil && !p.Severity.AtLeast(min) {
			return false
		}
	}
	return true
}

func (n *Notifier) post(ctx context.Context, cfg WebhookConfig, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
