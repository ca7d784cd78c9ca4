// ============================================================================
// Batch-Saga Coordinator RPC
// ============================================================================
//
// Package: internal/rpc
// File: service.go
// Purpose: gRPC contract between CLI clients, remote workers and a
//          coordinator node
//
// Service batchsaga.v1.Coordinator:
//   StartProcessing    submit a job of N work items
//   PollWorkOrders     hand work orders to a remote worker (long poll)
//   CompleteWorkOrder  settle a delivery as done or failed
//   GetProcess         read the state of a job
//
// Messages travel as JSON (content-subtype "json"); acknowledgements use
// the protobuf well-known Empty type.
// ============================================================================

package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "batchsaga.v1.Coordinator"

const (
	methodStartProcessing   = "/" + ServiceName + "/StartProcessing"
	methodPollWorkOrders    = "/" + ServiceName + "/PollWorkOrders"
	methodCompleteWorkOrder = "/" + ServiceName + "/CompleteWorkOrder"
	methodGetProcess        = "/" + ServiceName + "/GetProcess"
)

// StartRequest submits a job. An empty ProcessID is assigned by the server.
type StartRequest struct {
	ProcessID types.ProcessID `json:"process_id,omitempty"`
	WorkCount int             `json:"work_count"`
}

// StartResponse carries the id the job was submitted under.
type StartResponse struct {
	ProcessID types.ProcessID `json:"process_id"`
}

// PollRequest asks for up to Max deliveries, waiting at most Wait for the first.
type PollRequest struct {
	WorkerID string        `json:"worker_id"`
	Max      int           `json:"max"`
	Wait     time.Duration `json:"wait"`
}

// PollResponse holds the deliveries handed to the worker. It may be empty.
type PollResponse struct {
	Deliveries []types.Delivery `json:"deliveries"`
}

// CompleteRequest settles a delivery.
type CompleteRequest struct {
	WorkerID string `json:"worker_id"`
	Tag      uint64 `json:"tag"`
	Failed   bool   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GetProcessRequest names a job.
type GetProcessRequest struct {
	ProcessID types.ProcessID `json:"process_id"`
}

// ProcessView is the externally visible state of a job.
type ProcessView struct {
	ProcessID    types.ProcessID        `json:"process_id"`
	State        string                 `json:"state"`
	Total        int                    `json:"total"`
	Completed    int                    `json:"completed"`
	CurrentBatch []int                  `json:"current_batch,omitempty"`
	Pending      int                    `json:"pending"`
	Archived     bool                   `json:"archived"`
	StartedAt    *timestamppb.Timestamp `json:"started_at,omitempty"`
	CompletedAt  *timestamppb.Timestamp `json:"completed_at,omitempty"`
}

// NewProcessView converts a stored process.
func NewProcessView(p *process.Process) *ProcessView {
	v := &ProcessView{
		ProcessID:    p.ID,
		State:        p.State.String(),
		Total:        p.TotalWorkCount,
		Completed:    p.Progress.CompletedCount(),
		CurrentBatch: p.Progress.CurrentBatch(),
		Pending:      len(p.Progress.PendingInBatch()),
		Archived:     p.IsArchived(),
		StartedAt:    timestamppb.New(p.StartedAt),
	}
	if p.CompletedAt != nil {
		v.CompletedAt = timestamppb.New(*p.CompletedAt)
	}
	return v
}

// Done reports whether the job has emitted its terminal signal.
func (v *ProcessView) Done() bool {
	return v.State == process.StateCompleted.String()
}

// CoordinatorServer is the server API of the service.
type CoordinatorServer interface {
	StartProcessing(context.Context, *StartRequest) (*StartResponse, error)
	PollWorkOrders(context.Context, *PollRequest) (*PollResponse, error)
	CompleteWorkOrder(context.Context, *CompleteRequest) (*emptypb.Empty, error)
	GetProcess(context.Context, *GetProcessRequest) (*ProcessView, error)
}

// RegisterCoordinatorServer registers srv with s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartProcessing", Handler: startProcessingHandler},
		{MethodName: "PollWorkOrders", Handler: pollWorkOrdersHandler},
		{MethodName: "CompleteWorkOrder", Handler: completeWorkOrderHandler},
		{MethodName: "GetProcess", Handler: getProcessHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "batchsaga/v1/coordinator",
}

func startProcessingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).StartProcessing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStartProcessing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).StartProcessing(ctx, req.(*StartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pollWorkOrdersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).PollWorkOrders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPollWorkOrders}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).PollWorkOrders(ctx, req.(*PollRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func completeWorkOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).CompleteWorkOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCompleteWorkOrder}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).CompleteWorkOrder(ctx, req.(*CompleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getProcessHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).GetProcess(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetProcess}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).GetProcess(ctx, req.(*GetProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}
