package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                "test",
		MaxFailures:         maxFailures,
		Timeout:             timeout,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)
	return cb
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(t, 3, time.Minute)
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())

	for i := 0; i < 2; i++ {
		_, state := cb.RecordFailure()
		assert.Equal(t, CircuitBreakerStateClosed, state)
	}
	old, state := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateClosed, old)
	assert.Equal(t, CircuitBreakerStateOpen, state)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := newTestBreaker(t, 1, 20*time.Millisecond)
	cb.RecordFailure()
	require.Equal(t, CircuitBreakerStateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests, "only one probe in half-open")

	_, state := cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerStateClosed, state)
	assert.Zero(t, cb.Failures())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(t, 1, 20*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, cb.Allow())

	_, state := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, state)
}

func TestCircuitBreaker_ExecuteIgnoresSelectedErrors(t *testing.T) {
	cb := newTestBreaker(t, 1, time.Minute)
	notFound := errors.New("not found")

	err := cb.Execute(func() error { return notFound }, func(err error) bool { return errors.Is(err, notFound) })
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())

	err = cb.Execute(func() error { return errors.New("boom") }, nil)
	assert.Error(t, err)
	assert.Equal(t, CircuitBreakerStateOpen, cb.State())

	err = cb.Execute(func() error { t.Fatal("must not run while open"); return nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var changes []CircuitBreakerState

	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                "intel",
		MaxFailures:         1,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
		OnStateChange: func(name string, from, to CircuitBreakerState) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "intel", name)
			changes = append(changes, to)
		},
	})
	require.NoError(t, err)

	cb.RecordFailure()
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []CircuitBreakerState{CircuitBreakerStateOpen, CircuitBreakerStateClosed}, changes)
}

func TestCircuitBreakerConfig_Validate(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{Timeout: time.Second, MaxHalfOpenRequests: 1})
	assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)

	assert.Panics(t, func() { MustNewCircuitBreaker(CircuitBreakerConfig{}) })
	assert.NotPanics(t, func() { MustNewCircuitBreaker(DefaultCircuitBreakerConfig("x")) })
}
