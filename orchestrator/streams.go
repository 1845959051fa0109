package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"warden/metrics"
	"warden/util/goroutine"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var (
	ErrPoolNotRunning = errors.New("stream pool is not running")
)

// StreamPool runs tasks on a fixed set of shards. Tasks submitted with the same key
// always land on the same shard and run in submission order; different keys run
// concurrently.
type StreamPool struct {
	shards    []chan func()
	queueSize int
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	logger    *zap.SugaredLogger
}

// NewStreamPool creates a pool with the given number of shards, each with its own queue
func NewStreamPool(shards, queueSize int, logger *zap.SugaredLogger) *StreamPool {
	if shards <= 0 {
		shards = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &StreamPool{
		shards:    make([]chan func(), shards),
		queueSize: queueSize,
		logger:    logger,
	}
	for i := range p.shards {
		p.shards[i] = make(chan func(), queueSize)
	}
	return p
}

// Start launches one worker per shard
func (p *StreamPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.logger.Infof("Starting stream pool with %d shards and queue size %d", len(p.shards), p.queueSize)

	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Shard returns the shard index for key
func (p *StreamPool) Shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.shards)))
}

// Submit queues task on the shard owning key. It blocks while the shard queue is
// full, until ctx is done.
func (p *StreamPool) Submit(ctx context.Context, key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolNotRunning
	}

	shard := p.Shard(key)
	select {
	case p.shards[shard] <- task:
		metrics.PipelineQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(p.shards[shard])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queues and waits for queued tasks to finish, or for ctx to expire
func (p *StreamPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Stream pool drained", "shards", len(p.shards))
		return nil
	case <-ctx.Done():
		p.logger.Errorw("Stream pool shutdown timed out; queued events abandoned", "shards", len(p.shards))
		return ctx.Err()
	}
}

func (p *StreamPool) worker(shard int) {
	defer p.wg.Done()

	label := strconv.Itoa(shard)
	for task := range p.shards[shard] {
		metrics.PipelineQueueDepth.WithLabelValues(label).Set(float64(len(p.shards[shard])))
		func() {
			defer goroutine.Recover("stream-shard-"+label, p.logger)
			task()
		}()
	}
}
