// ============================================================================
// Batch-Saga Worker Pool - concurrent work order executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: manage the lifecycle of N pull-mode Worker goroutines
//
// Architecture:
//   ┌──────────────┐
//   │   Source     │ ◀── Poll / Complete / Abandon ──┐
//   └──────────────┘                                 │
//   ┌──────────────────────────────────────────────┐ │
//   │   Pool                                       │ │
//   │   Worker 1 ─┐                                │ │
//   │   Worker 2 ─┼────────────────────────────────┼─┘
//   │   Worker N ─┘                                │
//   └──────────────────────────────────────────────┘
//
// Lifecycle:
//   1. NewPool(cfg, processor, logger)
//   2. Start(ctx, n, source) - launch n workers pulling from source
//   3. Stop() - cancel the workers and wait for in-progress work to settle
//
// Flow control lives in the Source: workers only pull when the transport
// grants an in-flight slot.
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolClosed is returned when starting a stopped pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted is returned when starting a running pool.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Defaults
const (
	DefaultTaskTimeout = 30 * time.Second
	DefaultPollBackoff = 500 * time.Millisecond
)

// Pool runs Workers against a Source.
type Pool struct {
	cfg       Config
	processor Processor
	logger    zerolog.Logger

	workers []*Worker
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	stopped bool
	mu      sync.Mutex

	completed atomic.Int64
	abandoned atomic.Int64
	retries   atomic.Int64
}

// NewPool creates a pool that runs processor for every work order.
func NewPool(cfg Config, processor Processor, logger zerolog.Logger) *Pool {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = DefaultPollBackoff
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	return &Pool{
		cfg:       cfg,
		processor: processor,
		logger:    logger.With().Str("component", "worker").Logger(),
	}
}

// Start launches workerCount workers polling source.
func (p *Pool) Start(ctx context.Context, workerCount int, source Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, source, p.processor, p.cfg, p.logger, p.record)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.started = true
	p.logger.Info().Int("workers", workerCount).Dur("task_timeout", p.cfg.TaskTimeout).Msg("worker pool started")
	return nil
}

// Stop cancels all workers and waits for them to exit. It is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// WorkerCount returns the number of started workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats returns settled delivery counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Abandoned: p.abandoned.Load(),
		Retries:   p.retries.Load(),
	}
}

func (p *Pool) record(r Result) {
	if r.Err == nil {
		p.completed.Add(1)
	} else {
		p.abandoned.Add(1)
	}
	if r.Calls > 1 {
		p.retries.Add(int64(r.Calls - 1))
	}
}
