package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"sessionmeta/internal/event"
)

// ServiceName is the fully qualified ingest service name.
const ServiceName = "sessionmeta.v1.Ingest"

const (
	submitMethod = "/" + ServiceName + "/Submit"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// ingestService is the handler type behind IngestServiceDesc.
type ingestService interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

// IngestServiceDesc describes sessionmeta.v1.Ingest. Messages are the
// well-known Struct and Empty types so no generated code is needed:
//
//	service Ingest {
//	  rpc Submit(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Watch(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ingestService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "sessionmeta/v1/ingest.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ingestService).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ingestService).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ingestService).Watch(m, stream)
}

// Client calls the ingest service on a remote server.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit sends msg and returns the event ID assigned by the server.
func (c *Client) Submit(ctx context.Context, msg event.Message) (string, error) {
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}
	req := new(structpb.Struct)
	if err := protojson.Unmarshal(data, req); err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitMethod, req, resp); err != nil {
		return "", err
	}
	return resp.GetFields()["id"].GetStringValue(), nil
}

// Watch opens the result stream. recv blocks for the next summary.
func (c *Client) Watch(ctx context.Context) (recv func() (map[string]any, error), err error) {
	desc := &IngestServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, watchMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (map[string]any, error) {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			return nil, err
		}
		return out.AsMap(), nil
	}, nil
}
