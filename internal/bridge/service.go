package bridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "workunit.v1.HostRuntime"

const (
	methodInit           = "Init"
	methodResolveFile    = "ResolveFileName"
	methodSendResult     = "SendResult"
	methodSendMessage    = "SendMessage"
	methodFinish         = "Finish"
	methodFractionDone   = "FractionDone"
	methodCheckEvent     = "CheckEvent"
	methodCheckpointMade = "CheckpointMade"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var methodOps = map[string]string{
	fullMethod(methodInit):           OpInit,
	fullMethod(methodResolveFile):    OpResolveFile,
	fullMethod(methodSendResult):     OpSendResult,
	fullMethod(methodSendMessage):    OpSendMessage,
	fullMethod(methodFinish):         OpFinish,
	fullMethod(methodFractionDone):   OpFractionDone,
	fullMethod(methodCheckEvent):     OpCheckEvent,
	fullMethod(methodCheckpointMade): OpCheckpointMade,
}

// MethodOp returns the bridge operation behind a HostRuntime method, or ""
// for methods of other services.
func MethodOp(fullMethodName string) string {
	return methodOps[fullMethodName]
}

// hostRuntimeServer is the handler type checked by grpc.Server.RegisterService.
type hostRuntimeServer interface {
	host() Bridge
}

type hostServer struct {
	impl Bridge
}

func (s *hostServer) host() Bridge { return s.impl }

// RegisterHostRuntime serves impl as the HostRuntime service on s.
// Errors returned by impl are mapped to gRPC status codes by category.
func RegisterHostRuntime(s grpc.ServiceRegistrar, impl Bridge) {
	s.RegisterService(&hostRuntimeDesc, &hostServer{impl: impl})
}

var hostRuntimeDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*hostRuntimeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodInit, func() *structpb.Struct { return &structpb.Struct{} },
			func(ctx context.Context, b Bridge, req *structpb.Struct) (proto.Message, error) {
				h, err := decodeHandshake(req)
				if err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				if err := b.Init(ctx, h); err != nil {
					return nil, err
				}
				return encodeInitReply(ProtocolVersion), nil
			}),
		unary(methodResolveFile, func() *structpb.Struct { return &structpb.Struct{} },
			func(ctx context.Context, b Bridge, req *structpb.Struct) (proto.Message, error) {
				role, name, err := decodeResolve(req)
				if err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				path, err := b.ResolveFileName(ctx, role, name)
				if err != nil {
					return nil, err
				}
				return wrapperspb.String(path), nil
			}),
		unary(methodSendResult, func() *structpb.Struct { return &structpb.Struct{} },
			func(ctx context.Context, b Bridge, req *structpb.Struct) (proto.Message, error) {
				r, err := decodeResult(req)
				if err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				return &emptypb.Empty{}, b.SendResult(ctx, r)
			}),
		unary(methodSendMessage, func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
			func(ctx context.Context, b Bridge, req *wrapperspb.StringValue) (proto.Message, error) {
				return &emptypb.Empty{}, b.SendMessage(ctx, req.GetValue())
			}),
		unary(methodFinish, func() *wrapperspb.Int32Value { return &wrapperspb.Int32Value{} },
			func(ctx context.Context, b Bridge, req *wrapperspb.Int32Value) (proto.Message, error) {
				return &emptypb.Empty{}, b.Finish(ctx, int(req.GetValue()))
			}),
		unary(methodFractionDone, func() *wrapperspb.DoubleValue { return &wrapperspb.DoubleValue{} },
			func(ctx context.Context, b Bridge, req *wrapperspb.DoubleValue) (proto.Message, error) {
				return &emptypb.Empty{}, b.FractionDone(ctx, req.GetValue())
			}),
		unary(methodCheckEvent, func() *emptypb.Empty { return &emptypb.Empty{} },
			func(ctx context.Context, b Bridge, _ *emptypb.Empty) (proto.Message, error) {
				st, err := b.CheckEvent(ctx)
				if err != nil {
					return nil, err
				}
				return encodeStatus(st), nil
			}),
		unary(methodCheckpointMade, func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
			func(ctx context.Context, b Bridge, req *wrapperspb.StringValue) (proto.Message, error) {
				return &emptypb.Empty{}, b.CheckpointMade(ctx, req.GetValue())
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workunit/v1/host_runtime.proto",
}

// unary builds a MethodDesc that decodes a Req, runs call through the
// server's interceptor chain and maps the returned error to a status.
func unary[Req proto.Message](
	name string,
	newReq func() Req,
	call func(ctx context.Context, b Bridge, req Req) (proto.Message, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			b := srv.(hostRuntimeServer).host()
			handler := func(ctx context.Context, r any) (any, error) {
				resp, err := call(ctx, b, r.(Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, handler)
		},
	}
}
