package leakcheck

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_NoLeak(t *testing.T) {
	done := Check(t)
	stop := make(chan struct{})
	go func() { <-stop }()
	close(stop)
	done()
}

func TestWait(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		wg.Done()
	}()
	assert.NoError(t, Wait(&wg, time.Second))

	var stuck sync.WaitGroup
	stuck.Add(1)
	assert.Error(t, Wait(&stuck, 20*time.Millisecond))
	stuck.Done()
}
