package soar

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"warden/core"
	"warden/notify"

	"go.uber.org/zap"
)

// Built-in action names
const (
	ActionIntelCheck = "intel_check"
	ActionNotify     = "notify"
)

// DefaultMaliciousReputation is the reputation at which intel_check flags an indicator
const DefaultMaliciousReputation = 70

// IndicatorLookup resolves intel for one indicator
type IndicatorLookup interface {
	Lookup(ctx context.Context, ind core.Indicator) core.Enrichment
}

// IntelCheckAction re-checks indicators against threat intel at response time.
//
// Params: kind, value (comma separated values allowed), min_reputation.
// Output: checked, max_reputation, malicious, campaign_tags.
type IntelCheckAction struct {
	lookup IndicatorLookup
	logger *zap.SugaredLogger
}

// NewIntelCheckAction creates an intel check action backed by the enricher
func NewIntelCheckAction(lookup IndicatorLookup, logger *zap.SugaredLogger) *IntelCheckAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IntelCheckAction{lookup: lookup, logger: logger}
}

// Execute looks up every requested indicator. A failed lookup fails the
// action with a provider error so the step can be retried.
func (a *IntelCheckAction) Execute(ctx context.Context, action string, params map[string]string) (*ActionResult, error) {
	kind := core.IndicatorKind(params["kind"])
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidParams, params["kind"])
	}
	if strings.TrimSpace(params["value"]) == "" {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidParams)
	}

	threshold := DefaultMaliciousReputation
	if raw := params["min_reputation"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			return nil, fmt.Errorf("%w: min_reputation %q", ErrInvalidParams, raw)
		}
		threshold = n
	}

	maxRep := 0
	campaigns := make(map[string]bool)
	checked := 0
	for _, raw := range strings.Split(params["value"], ",") {
		ind, err := core.NewIndicator(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		e := a.lookup.Lookup(ctx, ind)
		if e.Unavailable() {
			return nil, fmt.Errorf("%w: intel lookup for %s: %s", core.ErrProviderError, ind, e.Error)
		}
		checked++
		if e.Reputation > maxRep {
			maxRep = e.Reputation
		}
		if e.CampaignTag != "" {
			campaigns[e.CampaignTag] = true
		}
	}

	tags := make([]string, 0, len(campaigns))
	for tag := range campaigns {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	malicious := maxRep >= threshold
	a.logger.Debugw("Intel check completed", "kind", kind, "checked", checked, "max_reputation", maxRep, "malicious", malicious)

	return &ActionResult{
		Status:  ResultOK,
		Message: fmt.Sprintf("checked %d %s indicator(s)", checked, kind),
		Output: map[string]string{
			"checked":        strconv.Itoa(checked),
			"max_reputation": strconv.Itoa(maxRep),
			"malicious":      strconv.FormatBool(malicious),
			"campaign_tags":  strings.Join(tags, ","),
		},
	}, nil
}

// WebhookSender posts a payload to a named webhook
type WebhookSender interface {
	Send(ctx context.Context, name string, payload notify.WebhookPayload) error
}

// NotifyAction sends a playbook message through the webhook notifier.
//
// Params: message (required), webhook, incident_id, severity.
type NotifyAction struct {
	sender WebhookSender
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewNotifyAction creates a notify action
func NewNotifyAction(sender WebhookSender, logger *zap.SugaredLogger) *NotifyAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NotifyAction{sender: sender, logger: logger, now: time.Now}
}

// Execute sends the message
func (a *NotifyAction) Execute(ctx context.Context, action string, params map[string]string) (*ActionResult, error) {
	message := strings.TrimSpace(params["message"])
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidParams)
	}

	payload := notify.WebhookPayload{
		Type:       notify.PlaybookMessage,
		At:         a.now().UTC(),
		IncidentID: params["incident_id"],
		Message:    message,
	}
	if raw := params["severity"]; raw != "" {
		sev, err := core.ParseSeverity(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		payload.Severity = sev
	}

	webhook := params["webhook"]
	if err := a.sender.Send(ctx, webhook, payload); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrProviderError, err)
	}

	target := webhook
	if target == "" {
		target = "all"
	}
	a.logger.Infof("Sent playbook notification via webhook %s for incident %s", target, payload.IncidentID)
	return &ActionResult{
		Status:  ResultOK,
		Message: "notification sent",
		Output:  map[string]string{"webhook": target},
	}, nil
}
