package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client is the client API of the service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to a coordinator node.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

// StartProcessing submits a job.
func (c *Client) StartProcessing(ctx context.Context, in *StartRequest, opts ...grpc.CallOption) (*StartResponse, error) {
	out := new(StartResponse)
	if err := c.invoke(ctx, methodStartProcessing, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// PollWorkOrders fetches deliveries for a remote worker.
func (c *Client) PollWorkOrders(ctx context.Context, in *PollRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	out := new(PollResponse)
	if err := c.invoke(ctx, methodPollWorkOrders, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteWorkOrder settles a delivery.
func (c *Client) CompleteWorkOrder(ctx context.Context, in *CompleteRequest, opts ...grpc.CallOption) error {
	return c.invoke(ctx, methodCompleteWorkOrder, in, new(emptypb.Empty), opts)
}

// GetProcess reads the state of a job.
func (c *Client) GetProcess(ctx context.Context, in *GetProcessRequest, opts ...grpc.CallOption) (*ProcessView, error) {
	out := new(ProcessView)
	if err := c.invoke(ctx, methodGetProcess, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
