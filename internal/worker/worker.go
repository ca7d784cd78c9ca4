// ============================================================================
// Batch-Saga Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: pull loop that executes work orders, one goroutine per Worker
//
// How it works:
//   1. Poll a delivery from the Source (blocking)
//   2. Run the Processor with a per-call timeout, retrying up to MaxRetry
//   3. Complete the delivery on success, Abandon it otherwise
//   4. Repeat until the pool context is cancelled
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for ctx not done             │   │
//   │  │   ├─ source.Poll             │   │
//   │  │   ├─ execute (timeout+retry) │   │
//   │  │   └─ Complete / Abandon      │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   every processor call gets its own context.WithTimeout. A timed-out
//   call counts as a failure and is retried like any other.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// ErrSimulatedFailure is returned by SimulatedProcessor for injected failures.
var ErrSimulatedFailure = errors.New("worker: simulated execution failure")

// Worker represents a work execution unit
type Worker struct {
	id        int
	source    Source
	processor Processor
	cfg       Config
	logger    zerolog.Logger
	onResult  func(Result)
}

func newWorker(id int, source Source, processor Processor, cfg Config, logger zerolog.Logger, onResult func(Result)) *Worker {
	return &Worker{
		id:        id,
		source:    source,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With().Int("worker", id).Logger(),
		onResult:  onResult,
	}
}

// Run polls and executes work orders until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		d, err := w.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn().Err(err).Dur("backoff", w.cfg.PollBackoff).Msg("poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollBackoff):
			}
			continue
		}

		result := w.execute(ctx, d)

		// settle even when shutting down so the slot is released
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if result.Err == nil {
			err = w.source.Complete(settleCtx, d.Tag)
		} else {
			err = w.source.Abandon(settleCtx, d.Tag, result.Err)
		}
		cancel()
		if err != nil {
			w.logger.Error().Err(err).
				Str("process_id", string(d.Order.ProcessID)).
				Int("work_order", d.Order.WorkOrder).
				Msg("settle failed")
		}

		if w.onResult != nil {
			w.onResult(result)
		}
	}
}

// execute runs the processor, retrying failed calls up to MaxRetry times.
func (w *Worker) execute(ctx context.Context, d types.Delivery) Result {
	start := time.Now()
	result := Result{Delivery: d}

	for call := 0; call <= w.cfg.MaxRetry; call++ {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
		result.Err = w.processor(callCtx, d.Order)
		cancel()
		result.Calls++

		if result.Err == nil {
			break
		}
		w.logger.Debug().Err(result.Err).
			Str("process_id", string(d.Order.ProcessID)).
			Int("work_order", d.Order.WorkOrder).
			Int("call", result.Calls).
			Msg("processor failed")
	}

	result.Duration = time.Since(start)
	return result
}

// SimulatedProcessor sleeps a random duration in [minDelay, maxDelay] and
// fails with probability failureRate.
func SimulatedProcessor(minDelay, maxDelay time.Duration, failureRate float64) Processor {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return func(ctx context.Context, _ types.ProcessWorkOrder) error {
		delay := minDelay
		if span := maxDelay - minDelay; span > 0 {
			delay += rand.N(span)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if failureRate > 0 && rand.Float64() < failureRate {
			return ErrSimulatedFailure
		}
		return nil
	}
}
