// Package leakcheck holds test helpers that catch goroutines outliving the
// component that started them.
package leakcheck

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// settleTimeout bounds how long exiting goroutines get to finish
const settleTimeout = 5 * time.Second

// Check records the goroutine count and returns a func that fails t if more
// are running once the test body is done. Usage:
//
//	defer leakcheck.Check(t)()
func Check(t testing.TB) func() {
	before := runtime.NumGoroutine()
	return func() {
		t.Helper()
		Settled(t, before)
	}
}

// Settled waits for the goroutine count to drop back to before and dumps
// every stack if it does not.
func Settled(t testing.TB, before int) {
	t.Helper()
	ok := assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, settleTimeout, 10*time.Millisecond, "goroutines leaked: before=%d", before)
	if !ok {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Logf("goroutine stacks (%d running):\n%s", runtime.NumGoroutine(), buf[:n])
	}
}

// Wait waits for wg with a timeout so a stuck worker fails the test instead of hanging it
func Wait(wg *sync.WaitGroup, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("goroutines did not exit within timeout")
	}
}
