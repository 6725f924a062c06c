package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biosense/internal/auth"
	"github.com/example/biosense/internal/config"
	"github.com/example/biosense/internal/handlers"
	"github.com/example/biosense/internal/inference"
	"github.com/example/biosense/internal/logging"
	"github.com/example/biosense/internal/modelrpc"
	"github.com/example/biosense/internal/repository"
	"github.com/example/biosense/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	users := repository.NewUserRepository(db, logger)
	if cfg.Database.AutoMigrate {
		if err := users.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
	}

	cache := initCache(ctx, cfg.Redis, logger)

	classifier, closer := initClassifier(ctx, cfg.Inference, logger)
	if closer != nil {
		defer closer.Close()
	}

	keys, err := cfg.Auth.Keys()
	if err != nil {
		logger.Fatal("invalid signing keys", zap.Error(err))
	}
	keyring, err := auth.NewKeyring(cfg.Auth.KeyID, keys)
	if err != nil {
		logger.Fatal("invalid signing keys", zap.Error(err))
	}
	issuer := auth.NewTokenIssuer(keyring, cfg.Auth.TokenTTL)

	accounts := usecase.NewAccountUseCase(users, auth.NewPasswordHasher(cfg.Auth.BcryptCost), issuer, logger)
	classifications := usecase.NewClassificationUseCase(users, classifier, cache, cfg.Redis.PredictionTTL, logger)

	if cfg.Environment == config.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := newHTTPHandler(handlers.Options{
		Accounts:        accounts,
		Classifications: classifications,
		Authenticate:    auth.JWTMiddleware(accounts, logger),
		MaxUploadSize:   cfg.Server.MaxUploadBytes,
		Logger:          logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.Info("BioSense API listening", zap.String("addr", cfg.Server.Addr), zap.String("environment", cfg.Environment))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newHTTPHandler builds the gin engine with its middleware chain and routes,
// wrapped in the permissive CORS policy the mobile client relies on.
func newHTTPHandler(opts handlers.Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	if opts.MaxUploadSize > 0 {
		r.MaxMultipartMemory = opts.MaxUploadSize
	}
	r.Use(handlers.RequestID(), handlers.Recovery(logger), handlers.Logger(logger))
	handlers.RegisterRoutes(r, opts)
	return cors.AllowAll().Handler(r)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) *gorm.DB {
	db, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	return db
}

func initCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) usecase.Cache {
	if cfg.Addr == "" {
		logger.Info("prediction cache disabled")
		return usecase.NoopCache{}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func initClassifier(ctx context.Context, cfg config.InferenceConfig, logger *zap.Logger) (inference.Classifier, io.Closer) {
	if cfg.Backend == config.BackendGRPC {
		client, conn, err := modelrpc.DialClassifier(ctx, cfg.Addr, cfg.DialTimeout, logger)
		if err != nil {
			logger.Fatal("failed to connect to model server", zap.Error(err))
		}
		return client, conn
	}

	classifier, err := inference.LoadLocalClassifier(cfg.WeightsPath, cfg.LabelsPath, inference.WithMaxPixels(cfg.MaxPixels))
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}
	logger.Info("model loaded", zap.String("weights", cfg.WeightsPath), zap.Strings("labels", classifier.Labels()))
	return classifier, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
