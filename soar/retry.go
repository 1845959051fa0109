package soar

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"warden/core"
)

// ErrorType represents the category of error for retry logic
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTemporary ErrorType = "temporary"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// RetryConfig defines per-step retry behavior
type RetryConfig struct {
	// MaxAttempts counts the first call, so 1 disables retries
	MaxAttempts int

	// BaseDelay is the delay before the first retry; later retries double it
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration

	// ErrorTypeDelays overrides the backoff sequence for specific error types
	ErrorTypeDelays map[ErrorType][]time.Duration

	// Jitter adds randomness to prevent thundering herd
	// Value between 0.0 (no jitter) and 1.0 (100% jitter)
	Jitter float64
}

// DefaultRetryConfig returns three attempts with exponential backoff.
// Rate limited providers get longer fixed delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
		ErrorTypeDelays: map[ErrorType][]time.Duration{
			ErrorTypeRateLimit: {
				30 * time.Second,
				60 * time.Second,
			},
		},
	}
}

// withPolicy overlays a playbook step's retry block
func (c RetryConfig) withPolicy(p *RetryPolicy) RetryConfig {
	if p == nil {
		return c
	}
	if p.MaxAttempts > 0 {
		c.MaxAttempts = p.MaxAttempts
	}
	if p.BaseDelay > 0 {
		c.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		c.MaxDelay = p.MaxDelay
	}
	return c
}

// ClassifyError determines the error type for retry logic
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	switch {
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrInvalidParams):
		return ErrorTypePermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrProviderTimeout):
		return ErrorTypeTimeout
	}

	// HTTP status codes take precedence over the generic provider error
	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode() {
		case http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusRequestTimeout:
			return ErrorTypeTimeout
		case http.StatusInternalServerError, http.StatusBadGateway:
			return ErrorTypeTemporary
		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return ErrorTypePermanent
		}
	}

	if errors.Is(err, core.ErrProviderError) {
		return ErrorTypeTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrorTypeNetwork
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "timed out") {
		return ErrorTypeTimeout
	}
	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "too many requests") {
		return ErrorTypeRateLimit
	}
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") {
		return ErrorTypeNetwork
	}

	return ErrorTypeUnknown
}

// ShouldRetry determines if an error is retryable
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return ClassifyError(err) != ErrorTypePermanent
}

// delay returns the wait before retry number attempt (0-based)
func (c RetryConfig) delay(attempt int, errorType ErrorType) time.Duration {
	var delay time.Duration

	if delays, ok := c.ErrorTypeDelays[errorType]; ok && attempt < len(delays) {
		delay = delays[attempt]
	} else {
		delay = c.BaseDelay * time.Duration(1<<uint(attempt))
	}

	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.Jitter > 0 {
		jitterAmount := float64(delay) * c.Jitter
		jitterDelta := (rand.Float64()*2 - 1) * jitterAmount
		delay += time.Duration(jitterDelta)
		if delay < 0 {
			delay = c.BaseDelay
		}
	}

	return delay
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPStatusError wraps HTTP status code for error classification
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

func (e *HTTPStatusError) StatusCode() int {
	return e.Code
}

// Unwrap lets callers match provider failures with errors.Is
func (e *HTTPStatusError) Unwrap() error {
	return core.ErrProviderError
}
