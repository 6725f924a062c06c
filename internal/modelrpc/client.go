package modelrpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/biosense/internal/inference"
	"github.com/example/biosense/internal/logging"
)

// DialClassifier returns a ready-to-use classifier backed by the model server at addr.
func DialClassifier(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (inference.Classifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("modelrpc.dial_classifier", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, logger), conn, nil
}

// Client implements inference.Classifier over an established connection.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger.Named("modelrpc_client")}
}

// Classify sends imageBytes to the model server. A server-side decode
// failure comes back as inference.ErrDecode.
func (c *Client) Classify(ctx context.Context, imageBytes []byte) (*inference.Prediction, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, classifyMethod, wrapperspb.Bytes(imageBytes), resp); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return nil, fmt.Errorf("%w: %s", inference.ErrDecode, status.Convert(err).Message())
		}
		wrapped := logging.NewOperationError("modelrpc.classify", "", err)
		c.logger.Error("model server call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	fields := resp.GetFields()
	label := fields[fieldLabel].GetStringValue()
	if label == "" {
		return nil, logging.NewOperationError("modelrpc.classify", "", fmt.Errorf("response is missing %q", fieldLabel))
	}
	return &inference.Prediction{
		Label:      label,
		Confidence: fields[fieldConfidence].GetNumberValue(),
	}, nil
}
