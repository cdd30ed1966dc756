package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hieramesh.Control"

// Full method names
const (
	MethodSendRoutedData     = "/" + ServiceName + "/SendRoutedData"
	MethodGetRoutingSnapshot = "/" + ServiceName + "/GetRoutingSnapshot"
	MethodGetPeerStats       = "/" + ServiceName + "/GetPeerStats"
	MethodConnect            = "/" + ServiceName + "/Connect"
	MethodExportSnapshot     = "/" + ServiceName + "/ExportSnapshot"
	MethodHealthCheck        = "/" + ServiceName + "/HealthCheck"
)

// ControlService is the server side of hieramesh.Control.
type ControlService interface {
	SendRoutedData(context.Context, *SendRequest) (*SendResponse, error)
	GetRoutingSnapshot(context.Context, *Empty) (*RoutingSnapshotResponse, error)
	GetPeerStats(context.Context, *Empty) (*PeerStatsResponse, error)
	Connect(context.Context, *ConnectRequest) (*ConnectResponse, error)
	ExportSnapshot(context.Context, *Empty) (*ExportResponse, error)
	HealthCheck(context.Context, *Empty) (*HealthResponse, error)
}

// RegisterControlService registers srv on s.
func RegisterControlService(s grpc.ServiceRegistrar, srv ControlService) {
	s.RegisterService(&controlServiceDesc, srv)
}

// unaryHandler adapts one typed method to the grpc.MethodDesc handler shape.
func unaryHandler[Req, Resp any](fullMethod string, call func(ControlService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendRoutedData",
			Handler:    unaryHandler(MethodSendRoutedData, ControlService.SendRoutedData),
		},
		{
			MethodName: "GetRoutingSnapshot",
			Handler:    unaryHandler(MethodGetRoutingSnapshot, ControlService.GetRoutingSnapshot),
		},
		{
			MethodName: "GetPeerStats",
			Handler:    unaryHandler(MethodGetPeerStats, ControlService.GetPeerStats),
		},
		{
			MethodName: "Connect",
			Handler:    unaryHandler(MethodConnect, ControlService.Connect),
		},
		{
			MethodName: "ExportSnapshot",
			Handler:    unaryHandler(MethodExportSnapshot, ControlService.ExportSnapshot),
		},
		{
			MethodName: "HealthCheck",
			Handler:    unaryHandler(MethodHealthCheck, ControlService.HealthCheck),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hieramesh/control.json",
}
