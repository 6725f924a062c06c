// Package modelrpc carries classification requests to a remote model server
// over gRPC. Messages are protobuf well-known types, so no generated code is
// needed on either side.
package modelrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "biosense.v1.Classifier"
	classifyMethod = "/" + serviceName + "/Classify"

	fieldLabel      = "label"
	fieldConfidence = "confidence"
)

// classifierServer is the handler type registered with grpc.
type classifierServer interface {
	Classify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*classifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "biosense/v1/classifier.proto",
}

func classifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(classifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(classifierServer).Classify(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
