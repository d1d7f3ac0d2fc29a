// ABOUTME: Hand-written gRPC service descriptor for txstore.TxStore
// ABOUTME: Messages are Go structs carried by the JSON codec

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nainya/txstore/internal/logger"
	"github.com/nainya/txstore/internal/metrics"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "txstore.TxStore"

// TxStoreServer is the server API of the TxStore service
type TxStoreServer interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	ReadCounter(context.Context, *ReadCounterRequest) (*ReadCounterResponse, error)
	OrderedRead(context.Context, *OrderedReadRequest) (*ReadResponse, error)
	ReadAllKeys(context.Context, *ReadAllKeysRequest) (*ReadAllKeysResponse, error)
	Pending(context.Context, *PendingRequest) (*PendingResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	Sweep(context.Context, *SweepRequest) (*SweepResponse, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor the generated code would contain
func unary[Req, Resp any](method string, call func(TxStoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TxStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(TxStoreServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the TxStore service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TxStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Execute", TxStoreServer.Execute),
		unary("Write", TxStoreServer.Write),
		unary("Read", TxStoreServer.Read),
		unary("ReadCounter", TxStoreServer.ReadCounter),
		unary("OrderedRead", TxStoreServer.OrderedRead),
		unary("ReadAllKeys", TxStoreServer.ReadAllKeys),
		unary("Pending", TxStoreServer.Pending),
		unary("Snapshot", TxStoreServer.Snapshot),
		unary("Stats", TxStoreServer.Stats),
		unary("Sweep", TxStoreServer.Sweep),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txstore",
}

// RegisterTxStoreServer registers srv on s
func RegisterTxStoreServer(s grpc.ServiceRegistrar, srv TxStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NewGRPCServer builds a grpc.Server serving srv and the standard health
// service. m may be nil.
func NewGRPCServer(srv *Server, maxMessageSize int, log *logger.Logger, m *metrics.Metrics) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{}
	if maxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(maxMessageSize),
			grpc.MaxSendMsgSize(maxMessageSize),
		)
	}
	if m != nil {
		opts = append(opts, grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	}

	gs := grpc.NewServer(opts...)
	RegisterTxStoreServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return gs, hs
}
