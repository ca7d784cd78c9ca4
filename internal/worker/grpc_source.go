package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/batch-saga/internal/rpc"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// GrpcSource is a Source that pulls work orders from a remote coordinator.
type GrpcSource struct {
	client   *rpc.Client
	workerID string
	batch    int
	wait     time.Duration

	mu  sync.Mutex
	buf []types.Delivery
}

// NewGrpcSource creates a GrpcSource over an established connection.
// batch is the number of deliveries fetched per round trip and wait the
// long-poll window of each request.
func NewGrpcSource(conn grpc.ClientConnInterface, workerID string, batch int, wait time.Duration) *GrpcSource {
	if batch <= 0 {
		batch = 1
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &GrpcSource{
		client:   rpc.NewClient(conn),
		workerID: workerID,
		batch:    batch,
		wait:     wait,
	}
}

// Poll returns a buffered delivery or long-polls the coordinator until one
// arrives.
func (s *GrpcSource) Poll(ctx context.Context) (types.Delivery, error) {
	for {
		if d, ok := s.next(); ok {
			return d, nil
		}
		if err := ctx.Err(); err != nil {
			return types.Delivery{}, err
		}

		resp, err := s.client.PollWorkOrders(ctx, &rpc.PollRequest{
			WorkerID: s.workerID,
			Max:      s.batch,
			Wait:     s.wait,
		})
		if err != nil {
			return types.Delivery{}, fmt.Errorf("rpc poll failed: %w", err)
		}

		s.mu.Lock()
		s.buf = append(s.buf, resp.Deliveries...)
		s.mu.Unlock()
	}
}

// Complete reports a delivery as done.
func (s *GrpcSource) Complete(ctx context.Context, tag uint64) error {
	err := s.client.CompleteWorkOrder(ctx, &rpc.CompleteRequest{WorkerID: s.workerID, Tag: tag})
	if err != nil {
		return fmt.Errorf("rpc complete failed: %w", err)
	}
	return nil
}

// Abandon reports a delivery as failed so the coordinator redelivers it.
func (s *GrpcSource) Abandon(ctx context.Context, tag uint64, cause error) error {
	req := &rpc.CompleteRequest{WorkerID: s.workerID, Tag: tag, Failed: true}
	if cause != nil {
		req.Error = cause.Error()
	}
	if err := s.client.CompleteWorkOrder(ctx, req); err != nil {
		return fmt.Errorf("rpc abandon failed: %w", err)
	}
	return nil
}

// Buffered returns the number of fetched deliveries not yet handed out.
func (s *GrpcSource) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *GrpcSource) next() (types.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return types.Delivery{}, false
	}
	d := s.buf[0]
	s.buf = s.buf[1:]
	return d, true
}
