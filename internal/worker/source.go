// ============================================================================
// Batch-Saga Work Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: abstraction over where work orders come from and where their
//          outcome is reported
//
//   - Standalone mode: the node's in-process bus
//   - Worker mode: a gRPC client to a remote coordinator (GrpcSource)
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// Source hands out work orders and takes back their outcome.
type Source interface {
	// Poll blocks until a work order is available or ctx is done.
	Poll(ctx context.Context) (types.Delivery, error)

	// Complete reports the delivery identified by tag as done.
	Complete(ctx context.Context, tag uint64) error

	// Abandon returns the delivery to the transport for redelivery.
	Abandon(ctx context.Context, tag uint64, cause error) error
}
