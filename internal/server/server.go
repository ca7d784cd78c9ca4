// ============================================================================
// Batch-Saga gRPC Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: expose a coordinator node to CLI clients and remote workers
//
// RPCs (service batchsaga.v1.Coordinator):
//   StartProcessing    validate and queue a job, assigning a ULID when no
//                      id is given
//   PollWorkOrders     long poll: wait up to Wait for the first delivery,
//                      then take whatever else is immediately available
//   CompleteWorkOrder  settle a delivery as done or abandoned
//   GetProcess         read a job's state
//
// Worker registry:
//   every poll and completion refreshes the worker's lease. Deliveries held
//   by a worker whose lease expires are abandoned so they are redelivered.
//
// Errors map to gRPC codes: invalid input → InvalidArgument, unknown
// process or delivery → NotFound, node shutting down → Unavailable.
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/ChuLiYu/batch-saga/internal/bus"
	"github.com/ChuLiYu/batch-saga/internal/controller"
	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/internal/rpc"
	"github.com/ChuLiYu/batch-saga/internal/saga"
	"github.com/ChuLiYu/batch-saga/internal/store"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// Defaults
const (
	DefaultPollWait     = time.Second
	MaxPollWait         = 30 * time.Second
	DefaultPollMax      = 1
	DefaultLeaseTimeout = time.Minute

	// drainWait bounds the extra polls after the first delivery.
	drainWait = 5 * time.Millisecond
)

// ErrLeaseExpired is the abandon cause for deliveries of a silent worker.
var ErrLeaseExpired = errors.New("server: worker lease expired")

// Backend is the node API the server exposes. *controller.Controller
// implements it.
type Backend interface {
	Submit(ctx context.Context, m types.StartProcessing) error
	Poll(ctx context.Context) (types.Delivery, error)
	Complete(ctx context.Context, tag uint64) error
	Abandon(ctx context.Context, tag uint64, cause error) error
	Process(ctx context.Context, id types.ProcessID) (*process.Process, error)
}

// WorkerInfo tracks a remote worker and the deliveries it holds.
type WorkerInfo struct {
	ID       string
	LastSeen time.Time
	Held     map[uint64]struct{}
}

// Server implements rpc.CoordinatorServer.
type Server struct {
	backend      Backend
	logger       zerolog.Logger
	leaseTimeout time.Duration
	now          func() time.Time

	// Worker Registry
	mu      sync.Mutex
	workers map[string]*WorkerInfo
}

// Option configures a Server.
type Option func(*Server)

// WithLeaseTimeout sets how long a silent worker keeps its deliveries.
func WithLeaseTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.leaseTimeout = d
		}
	}
}

// NewServer creates a server over backend.
func NewServer(backend Backend, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		backend:      backend,
		logger:       logger.With().Str("component", "grpc").Logger(),
		leaseTimeout: DefaultLeaseTimeout,
		now:          time.Now,
		workers:      make(map[string]*WorkerInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer returns a grpc.Server with s registered and request logging.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(LoggingInterceptor(s.logger))}, opts...)
	gs := grpc.NewServer(opts...)
	rpc.RegisterCoordinatorServer(gs, s)
	return gs
}

// StartProcessing queues a job.
func (s *Server) StartProcessing(ctx context.Context, req *rpc.StartRequest) (*rpc.StartResponse, error) {
	id := req.ProcessID
	if id == "" {
		id = types.ProcessID(ulid.Make().String())
	}

	if err := s.backend.Submit(ctx, types.StartProcessing{ProcessID: id, WorkCount: req.WorkCount}); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.StartResponse{ProcessID: id}, nil
}

// PollWorkOrders hands up to req.Max deliveries to a worker.
func (s *Server) PollWorkOrders(ctx context.Context, req *rpc.PollRequest) (*rpc.PollResponse, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker_id is required")
	}
	limit := req.Max
	if limit <= 0 {
		limit = DefaultPollMax
	}
	wait := req.Wait
	if wait <= 0 {
		wait = DefaultPollWait
	}
	wait = min(wait, MaxPollWait)

	s.touch(req.WorkerID)

	resp := &rpc.PollResponse{}
	for len(resp.Deliveries) < limit {
		timeout := wait
		if len(resp.Deliveries) > 0 {
			timeout = drainWait
		}

		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		d, err := s.backend.Poll(pollCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(resp.Deliveries) > 0 {
				break
			}
			return nil, toStatus(err)
		}
		resp.Deliveries = append(resp.Deliveries, d)
	}

	s.hold(req.WorkerID, resp.Deliveries)
	return resp, nil
}

// CompleteWorkOrder settles a delivery.
func (s *Server) CompleteWorkOrder(ctx context.Context, req *rpc.CompleteRequest) (*emptypb.Empty, error) {
	s.release(req.WorkerID, req.Tag)

	var err error
	if req.Failed {
		cause := errors.New(req.Error)
		if req.Error == "" {
			cause = errors.New("remote worker failure")
		}
		err = s.backend.Abandon(ctx, req.Tag, cause)
	} else {
		err = s.backend.Complete(ctx, req.Tag)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetProcess returns the view of a job.
func (s *Server) GetProcess(ctx context.Context, req *rpc.GetProcessRequest) (*rpc.ProcessView, error) {
	if req.ProcessID == "" {
		return nil, status.Error(codes.InvalidArgument, "process_id is required")
	}
	p, err := s.backend.Process(ctx, req.ProcessID)
	if err != nil {
		return nil, toStatus(err)
	}
	return rpc.NewProcessView(p), nil
}

// ============================================================================
// Worker registry
// ============================================================================

// Workers returns a snapshot of the registry.
func (s *Server) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		held := make(map[uint64]struct{}, len(w.Held))
		for tag := range w.Held {
			held[tag] = struct{}{}
		}
		out = append(out, WorkerInfo{ID: w.ID, LastSeen: w.LastSeen, Held: held})
	}
	return out
}

// ReapExpired abandons the deliveries of workers whose lease has expired
// and forgets them. It returns the number of deliveries abandoned.
func (s *Server) ReapExpired(ctx context.Context) int {
	deadline := s.now().Add(-s.leaseTimeout)

	s.mu.Lock()
	var expired []*WorkerInfo
	for id, w := range s.workers {
		if w.LastSeen.Before(deadline) {
			expired = append(expired, w)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	abandoned := 0
	for _, w := range expired {
		for tag := range w.Held {
			if err := s.backend.Abandon(ctx, tag, ErrLeaseExpired); err != nil {
				if !errors.Is(err, bus.ErrUnknownDelivery) {
					s.logger.Error().Err(err).Str("worker_id", w.ID).Uint64("tag", tag).Msg("abandon failed")
				}
				continue
			}
			abandoned++
		}
		s.logger.Warn().Str("worker_id", w.ID).Int("held", len(w.Held)).Time("last_seen", w.LastSeen).Msg("worker lease expired")
	}
	return abandoned
}

// Run reaps expired leases until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.leaseTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapExpired(ctx)
		}
	}
}

func (s *Server) touch(workerID string) *WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchLocked(workerID)
}

func (s *Server) touchLocked(workerID string) *WorkerInfo {
	w, ok := s.workers[workerID]
	if !ok {
		w = &WorkerInfo{ID: workerID, Held: make(map[uint64]struct{})}
		s.workers[workerID] = w
		s.logger.Info().Str("worker_id", workerID).Msg("worker registered")
	}
	w.LastSeen = s.now()
	return w
}

func (s *Server) hold(workerID string, ds []types.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.touchLocked(workerID)
	for _, d := range ds {
		w.Held[d.Tag] = struct{}{}
	}
}

func (s *Server) release(workerID string, tag uint64) {
	if workerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.touchLocked(workerID)
	delete(w.Held, tag)
}

// ============================================================================
// Interceptor and error mapping
// ============================================================================

// LoggingInterceptor logs every unary call with its code and duration.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		event := logger.Debug()
		switch code {
		case codes.OK, codes.NotFound, codes.InvalidArgument:
		default:
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrInvalidStart), errors.Is(err, types.ErrEmptyProcessID), errors.Is(err, types.ErrInvalidWorkCount):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, bus.ErrUnknownDelivery):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrStopped), errors.Is(err, controller.ErrNotStarted), errors.Is(err, bus.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
	}
}
