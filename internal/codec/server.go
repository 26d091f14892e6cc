package codec

import (
	"context"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "earlystop.v1.CheckpointService"
	saveMethod  = "/" + serviceName + "/Save"
)

// #region service-desc
// CheckpointServer is the server API of earlystop.v1.CheckpointService.
type CheckpointServer interface {
	Save(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CheckpointServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Save", Handler: saveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "earlystop/v1/checkpoint.proto",
}

func saveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckpointServer).Save(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: saveMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CheckpointServer).Save(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion service-desc

// #region server
type sinkServer struct {
	sink checkpoint.Sink
}

// RegisterServer serves CheckpointService on s, storing every received
// checkpoint in sink.
func RegisterServer(s grpc.ServiceRegistrar, sink checkpoint.Sink) {
	s.RegisterService(&serviceDesc, &sinkServer{sink: sink})
}

func (s *sinkServer) Save(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rec, err := checkpoint.FromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode checkpoint: %v", err)
	}
	if rec.RunID == "" {
		return nil, status.Error(codes.InvalidArgument, "checkpoint has no run_id")
	}
	if err := s.sink.Put(rec); err != nil {
		return nil, status.Errorf(codes.Internal, "store checkpoint: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// #endregion server
