package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/biosense/internal/config"
	"github.com/example/biosense/internal/inference"
	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/modelrpc"
)

func main() {
	addr := flag.String("addr", ":50051", "gRPC listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	classifier, err := inference.LoadLocalClassifier(
		cfg.Inference.WeightsPath,
		cfg.Inference.LabelsPath,
		inference.WithMaxPixels(cfg.Inference.MaxPixels),
	)
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}
	logger.Info("model loaded", zap.String("weights", cfg.Inference.WeightsPath), zap.Strings("labels", classifier.Labels()))

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err), zap.String("addr", *addr))
	}

	server := newServer(classifier, cfg.Server.MaxUploadBytes, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("model server listening", zap.String("addr", listener.Addr().String()))
	if err := serveGRPC(ctx, server, listener, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newServer(classifier inference.Classifier, maxUploadBytes int64, logger *zap.Logger) *grpc.Server {
	var opts []grpc.ServerOption
	if maxUploadBytes > 0 {
		// Room for the envelope around the image bytes.
		opts = append(opts, grpc.MaxRecvMsgSize(int(maxUploadBytes)+4096))
	}
	server := grpc.NewServer(opts...)
	modelrpc.NewServer(classifier, logger).Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// serveGRPC serves until ctx is done, then drains in-flight calls for up to
// shutdownTimeout before forcing the server to stop.
func serveGRPC(ctx context.Context, server *grpc.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("received shutdown signal")
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing shutdown")
		server.Stop()
	}
	return <-errCh
}
