package threat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"warden/core"
)

// stubProvider answers from a fixed table and counts calls
type stubProvider struct {
	name    string
	intel   map[string]*Intel
	err     error
	delay   time.Duration
	release chan struct{}
	calls   atomic.Int32

	mu     sync.Mutex
	lookup []string
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubProvider) Lookup(ctx context.Context, ind core.Indicator) (*Intel, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lookup = append(s.lookup, ind.Key())
	s.mu.Unlock()

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if in, ok := s.intel[ind.Key()]; ok {
		return in, nil
	}
	return nil, ErrNotFound
}

func mustIndicator(kind core.IndicatorKind, value string) core.Indicator {
	ind, err := core.NewIndicator(kind, value)
	if err != nil {
		panic(err)
	}
	return ind
}
