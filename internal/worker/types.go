package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// Processor performs the work of one item. It must honour ctx.
type Processor func(ctx context.Context, order types.ProcessWorkOrder) error

// Config controls per-task execution.
type Config struct {
	TaskTimeout time.Duration // Limit of one processor call
	MaxRetry    int           // Extra processor calls after a failure
	PollBackoff time.Duration // Wait after a failed Poll
}

// Result is the outcome of one delivery.
type Result struct {
	Delivery types.Delivery
	Err      error         // Last processor error, nil on success
	Calls    int           // Processor invocations
	Duration time.Duration // Wall time over all calls
}

// Stats counts settled deliveries of a pool.
type Stats struct {
	Completed int64 `json:"completed"`
	Abandoned int64 `json:"abandoned"`
	Retries   int64 `json:"retries"`
}
