package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "dlcache.v1.JobService"

// JobServiceServer is the server API for JobService. Payloads are
// protobuf well-known types; Struct bodies carry the JSON shape of the
// pkg/types records.
type JobServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	TailLogs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteJob(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	CacheStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CacheInfo(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RemoveCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sweep(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TouchCache(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RegisterCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SchedulerStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SchedulerStart(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SchedulerStop(context.Context, *emptypb.Empty) (*structpb.Struct, error)

	// WatchJob streams jobstore events (as Structs) until the job ends.
	WatchJob(*wrapperspb.StringValue, ServerStream[*structpb.Struct]) error
	// DownloadArchive streams a zip of {"path"} or {"job_id"} in chunks.
	DownloadArchive(*structpb.Struct, ServerStream[*wrapperspb.BytesValue]) error
}

// ServerStream is the sending side of a server-streaming call.
type ServerStream[T any] interface {
	Send(T) error
	Context() context.Context
}

type serverStream[T any] struct {
	grpc.ServerStream
}

func (s serverStream[T]) Send(m T) error { return s.ServerStream.SendMsg(m) }

// streaming builds a server-streaming handler for request type In and
// response type Out.
func streaming[In any, Out any](name string, newIn func() In, call func(JobServiceServer, In, ServerStream[Out]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := newIn()
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(JobServiceServer), in, serverStream[Out]{stream})
		},
	}
}

// RegisterJobServiceServer registers srv on s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&jobServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds a method handler for a request type In. newIn returns a
// fresh request message; call dispatches to the implementation.
func unary[In any, Out any](name string, newIn func() In, call func(JobServiceServer, context.Context, In) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newIn()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(JobServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(JobServiceServer), ctx, req.(In))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }

var jobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", newStruct, JobServiceServer.Submit),
		unary("SubmitBatch", newStruct, JobServiceServer.SubmitBatch),
		unary("GetJob", newString, JobServiceServer.GetJob),
		unary("TailLogs", newStruct, JobServiceServer.TailLogs),
		unary("CancelJob", newString, JobServiceServer.CancelJob),
		unary("ListJobs", newStruct, JobServiceServer.ListJobs),
		unary("DeleteJob", newString, JobServiceServer.DeleteJob),
		unary("CacheStats", newEmpty, JobServiceServer.CacheStats),
		unary("ListCache", newStruct, JobServiceServer.ListCache),
		unary("CacheInfo", newString, JobServiceServer.CacheInfo),
		unary("RemoveCache", newStruct, JobServiceServer.RemoveCache),
		unary("Sweep", newEmpty, JobServiceServer.Sweep),
		unary("TouchCache", newString, JobServiceServer.TouchCache),
		unary("RegisterCache", newStruct, JobServiceServer.RegisterCache),
		unary("SchedulerStatus", newEmpty, JobServiceServer.SchedulerStatus),
		unary("SchedulerStart", newEmpty, JobServiceServer.SchedulerStart),
		unary("SchedulerStop", newEmpty, JobServiceServer.SchedulerStop),
	},
	Streams: []grpc.StreamDesc{
		streaming("WatchJob", newString, JobServiceServer.WatchJob),
		streaming("DownloadArchive", newStruct, JobServiceServer.DownloadArchive),
	},
	Metadata: "dlcache/v1/job_service",
}
