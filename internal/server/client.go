package server

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a TxStore server
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Extra options are appended to the defaults,
// which select the JSON codec and plaintext transport.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return &Client{conn: conn}, nil
}

// Conn exposes the connection, e.g. for the health service
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	return invoke[ExecuteRequest, ExecuteResponse](ctx, c, "Execute", req)
}

func (c *Client) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	return invoke[WriteRequest, WriteResponse](ctx, c, "Write", req)
}

func (c *Client) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	return invoke[ReadRequest, ReadResponse](ctx, c, "Read", req)
}

func (c *Client) ReadCounter(ctx context.Context, req *ReadCounterRequest) (*ReadCounterResponse, error) {
	return invoke[ReadCounterRequest, ReadCounterResponse](ctx, c, "ReadCounter", req)
}

func (c *Client) OrderedRead(ctx context.Context, req *OrderedReadRequest) (*ReadResponse, error) {
	return invoke[OrderedReadRequest, ReadResponse](ctx, c, "OrderedRead", req)
}

func (c *Client) ReadAllKeys(ctx context.Context, req *ReadAllKeysRequest) (*ReadAllKeysResponse, error) {
	return invoke[ReadAllKeysRequest, ReadAllKeysResponse](ctx, c, "ReadAllKeys", req)
}

func (c *Client) Pending(ctx context.Context, req *PendingRequest) (*PendingResponse, error) {
	return invoke[PendingRequest, PendingResponse](ctx, c, "Pending", req)
}

func (c *Client) Snapshot(ctx context.Context) (*SnapshotResponse, error) {
	return invoke[SnapshotRequest, SnapshotResponse](ctx, c, "Snapshot", &SnapshotRequest{})
}

func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	return invoke[StatsRequest, StatsResponse](ctx, c, "Stats", &StatsRequest{})
}

func (c *Client) Sweep(ctx context.Context) (*SweepResponse, error) {
	return invoke[SweepRequest, SweepResponse](ctx, c, "Sweep", &SweepRequest{})
}
