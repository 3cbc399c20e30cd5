package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName               = "nexusrepl.LogReplication"
	ReplicateFullMethod       = "/" + ServiceName + "/Replicate"
	QueryLeadershipFullMethod = "/" + ServiceName + "/QueryLeadership"
)

// LogReplicationServer is the server API of the replication service.
type LogReplicationServer interface {
	Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error)
	QueryLeadership(ctx context.Context, req *LeadershipQuery) (*LeadershipResponse, error)
}

func replicateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LogReplicationServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReplicateFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LogReplicationServer).Replicate(ctx, req.(*ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryLeadershipHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LeadershipQuery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LogReplicationServer).QueryLeadership(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryLeadershipFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LogReplicationServer).QueryLeadership(ctx, req.(*LeadershipQuery))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the replication service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LogReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Replicate", Handler: replicateHandler},
		{MethodName: "QueryLeadership", Handler: queryLeadershipHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexusrepl/transport",
}

// RegisterLogReplicationServer registers srv on s.
func RegisterLogReplicationServer(s grpc.ServiceRegistrar, srv LogReplicationServer) {
	s.RegisterService(&ServiceDesc, srv)
}
