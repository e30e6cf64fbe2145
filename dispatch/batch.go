package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// BatchConfig models optional configuration, for NewBatchRunner.
type BatchConfig struct {
	// MaxSize is the maximum number of handlers per batch.
	// Defaults to 16, if <= 0.
	MaxSize int

	// FlushInterval is how long an incomplete batch waits for more handlers,
	// measured from its first.
	// Defaults to 1ms, if <= 0.
	FlushInterval time.Duration

	// MaxConcurrency is the maximum number of batches running at once.
	// Defaults to 1, if <= 0.
	MaxConcurrency int

	// QueueSize is the number of handlers buffered ahead of the collector.
	// Handlers that find the queue full run on their own goroutine.
	// Defaults to 64, if <= 0.
	QueueSize int
}

// BatchRunner groups asynchronous handlers into batches, each run
// sequentially on one goroutine. It suits high-frequency async events,
// where a goroutine per call is wasteful.
//
// Run never blocks, so handlers may themselves post async events through
// the same runner. Handlers submitted while the queue is full, or after
// Shutdown, run on their own goroutine.
//
// Instances must be initialized using NewBatchRunner, and should be stopped
// with Shutdown.
type BatchRunner struct {
	jobs     chan func()
	done     chan struct{}
	batches  atomic.Uint64
	overflow sync.WaitGroup

	// guards closing jobs against concurrent sends
	mu     sync.RWMutex
	closed bool

	maxSize        int
	flushInterval  time.Duration
	maxConcurrency int
}

// NewBatchRunner starts a BatchRunner. The config may be nil.
func NewBatchRunner(config *BatchConfig) *BatchRunner {
	var cfg BatchConfig
	if config != nil {
		cfg = *config
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 16
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Millisecond
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	r := &BatchRunner{
		jobs:           make(chan func(), cfg.QueueSize),
		done:           make(chan struct{}),
		maxSize:        cfg.MaxSize,
		flushInterval:  cfg.FlushInterval,
		maxConcurrency: cfg.MaxConcurrency,
	}
	go r.run()
	return r
}

func (r *BatchRunner) Run(fn func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		go fn()
		return
	}
	select {
	case r.jobs <- fn:
	default:
		r.overflow.Add(1)
		go func() {
			defer r.overflow.Done()
			fn()
		}()
	}
}

// Batches returns the number of batches started so far.
func (r *BatchRunner) Batches() uint64 { return r.batches.Load() }

// Shutdown stops batching, then waits for every queued or overflowed handler
// to complete.
// An error is returned if ctx is canceled first, in which case the remaining
// handlers still run, in the background.
//
// This method is unsafe to call from within a handler.
func (r *BatchRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
	}

	overflow := make(chan struct{})
	go func() {
		r.overflow.Wait()
		close(overflow)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-overflow:
		return nil
	}
}

func (r *BatchRunner) run() {
	defer close(r.done)

	running := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		batch, ok := r.collect()
		if len(batch) != 0 {
			r.batches.Add(1)
			running <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() {
					<-running
					wg.Done()
				}()
				for _, fn := range batch {
					fn()
				}
			}()
		}
		if !ok {
			return
		}
	}
}

// collect blocks for the first handler, then takes what else arrives until
// the batch is full or the flush interval passes. It returns false once the
// queue is closed and drained.
func (r *BatchRunner) collect() ([]func(), bool) {
	fn, ok := <-r.jobs
	if !ok {
		return nil, false
	}
	batch := make([]func(), 1, r.maxSize)
	batch[0] = fn

	timer := time.NewTimer(r.flushInterval)
	defer timer.Stop()
	for len(batch) < r.maxSize {
		select {
		case fn, ok := <-r.jobs:
			if !ok {
				return batch, false
			}
			batch = append(batch, fn)
		case <-timer.C:
			return batch, true
		}
	}
	return batch, true
}
