package modelrpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/biosense/internal/inference"
)

// Server exposes a classifier as the biosense.v1.Classifier gRPC service.
type Server struct {
	classifier inference.Classifier
	logger     *zap.Logger
}

// NewServer creates a server delegating to classifier.
func NewServer(classifier inference.Classifier, logger *zap.Logger) *Server {
	return &Server{classifier: classifier, logger: logger.Named("modelrpc_server")}
}

// Register attaches the service to registrar.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&classifierServiceDesc, s)
}

// Classify handles one request.
func (s *Server) Classify(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	pred, err := s.classifier.Classify(ctx, req.GetValue())
	if errors.Is(err, inference.ErrDecode) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		s.logger.Error("classification failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "classification failed")
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		fieldLabel:      pred.Label,
		fieldConfidence: pred.Confidence,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.logger.Debug("classified image", zap.String("label", pred.Label), zap.Float64("confidence", pred.Confidence))
	return resp, nil
}
