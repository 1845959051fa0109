package goroutine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	assert.NotPanics(t, func() {
		defer Recover("quiet", logger)
	})
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("shard-3", logger)
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "shard-3", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("still recovered")
	})
}

func TestGo_WaitsAndRecovers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	ran := false
	Go(&wg, "ok", logger, func() { ran = true })
	Go(&wg, "bad", logger, func() { panic("worker failed") })
	wg.Wait()

	assert.True(t, ran)
	assert.Equal(t, 1, logs.Len())
}
