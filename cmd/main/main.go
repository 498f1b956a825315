package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	temporalclient "go.temporal.io/sdk/client"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/instill-ai/docflow-backend/config"
	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/broadcast"
	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/handler"
	"github.com/instill-ai/docflow-backend/pkg/middleware"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/docflow-backend/pkg/service"
	"github.com/instill-ai/docflow-backend/pkg/worker"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/docflow-backend/pkg/db"
	logx "github.com/instill-ai/x/log"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownTimeout = 30 * time.Second

var (
	// These variables might be overridden at buildtime.
	serviceName    = "docflow-backend"
	serviceVersion = "dev"
)

var propagator propagation.TextMapPropagator

// httpHandlerFunc extracts the B3 context from the incoming request headers
// and sets it in the request context. It wraps the gateway handler with
// h2c.NewHandler to support HTTP/2 requests without TLS.
func httpHandlerFunc(gwHandler http.Handler) http.Handler {
	propagator = b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader))

	return h2c.NewHandler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			gwHandler.ServeHTTP(w, r.WithContext(ctx))
		}),
		&http2.Server{},
	)
}

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	// gorm's autoUpdate will use local timezone by default, so we need to set it to UTC
	time.Local = time.UTC

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup all OpenTelemetry components
	cleanup := otelx.SetupWithCleanup(ctx,
		otelx.WithServiceName(serviceName),
		otelx.WithServiceVersion(serviceVersion),
		otelx.WithHost(config.Config.OTELCollector.Host),
		otelx.WithPort(config.Config.OTELCollector.Port),
		otelx.WithCollectorEnable(config.Config.OTELCollector.Enable),
	)
	defer cleanup()

	ctx, span := otel.Tracer("main-tracer").Start(ctx, "main")

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	if config.Config.Server.Debug {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 0)
	} else {
		// verbosity 3 will avoid [transport] from emitting
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3)
	}

	repo, redisClient, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	// Live clients receive every accepted event. With the Redis relay, the
	// events accepted by any replica reach the clients of every replica.
	hub := broadcast.NewHub(config.Config.Broadcast.ClientBuffer, logger)
	defer hub.Close()

	var publisher broadcast.Publisher = hub
	if config.Config.Broadcast.RedisRelay {
		relay := broadcast.NewRedisRelay(redisClient, hub, logger)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Notification relay stopped", zap.Error(err))
			}
		}()
	}

	svc := service.NewService(
		repo,
		worker.NewQueue(temporalClient),
		publisher,
		ai.Shared,
		service.Config{
			Bucket:           config.Config.Blob.Bucket,
			CallbackURL:      config.Config.Server.NotifyURL,
			ParseAfterUpload: config.Config.Pipeline.ParseAfterUpload,
		},
	)

	publicServeMux := runtime.NewServeMux()
	h := handler.NewHandler(
		svc,
		http.HandlerFunc(hub.ServeWS),
		logger,
		int64(config.Config.Server.MaxDataSize)*constant.MB,
	)
	if err := h.Register(publicServeMux); err != nil {
		logger.Fatal("Unable to register HTTP routes", zap.Error(err))
	}

	grpcServerOpts := newGrpcOptions(logger)
	privateGrpcS := grpc.NewServer(grpcServerOpts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(privateGrpcS, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(privateGrpcS)

	var tlsConfig *tls.Config
	if config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "" {
		tlsConfig = &tls.Config{
			ClientAuth: tls.RequireAndVerifyClientCert,
		}
	}

	publicHTTPServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.Server.PublicPort),
		Handler:           httpHandlerFunc(publicServeMux),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errSig := make(chan error)

	go func() {
		privateListener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Config.Server.PrivatePort))
		if err != nil {
			errSig <- fmt.Errorf("failed to listen: %w", err)
			return
		}
		if err := privateGrpcS.Serve(privateListener); err != nil {
			errSig <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	go func() {
		var err error
		switch {
		case config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "":
			err = publicHTTPServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		default:
			err = publicHTTPServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errSig <- err
		}
	}()

	span.End()
	logger.Info("Server is running.",
		zap.Int("publicPort", config.Config.Server.PublicPort),
		zap.Int("privatePort", config.Config.Server.PrivatePort))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error("Fatal error", zap.Error(err))
	case <-quitSig:
		logger.Info("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		if err := publicHTTPServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down HTTP server", zap.Error(err))
		}
		privateGrpcS.GracefulStop()
	}
}

// newClients initializes the external service clients and returns a cleanup
// function.
func newClients(ctx context.Context, logger *zap.Logger) (
	repository.Repository,
	*redis.Client,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	// Initialize database connection (file entity store)
	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (file locks and notification relay)
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	temporalClient := newTemporalClient(logger)
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	objectStorage, err := newObjectStorage(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to create object storage", zap.Error(err))
	}

	vectorDB, vclose, err := repository.NewVectorDatabase(ctx, config.Config.Milvus.Host, config.Config.Milvus.Port)
	if err != nil {
		logger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	closeFuncs["milvus"] = vclose

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return repository.NewRepository(db, vectorDB, objectStorage, redisClient), redisClient, temporalClient, closer
}

func newTemporalClient(logger *zap.Logger) temporalclient.Client {
	temporalClientOptions, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		logger.Fatal("Unable to build Temporal client options", zap.Error(err))
	}

	// Add OpenTelemetry tracing interceptor if enabled
	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	return temporalClient
}

// newObjectStorage connects to the configured blob storage provider.
func newObjectStorage(ctx context.Context, logger *zap.Logger) (object.Storage, error) {
	switch config.Config.Blob.Provider {
	case "gcs":
		logger.Info("Initializing GCS client", zap.String("project", config.Config.GCS.ProjectID))
		return object.NewGCSStorage(ctx, object.GCSConfig{
			ProjectID:         config.Config.GCS.ProjectID,
			ServiceAccountKey: config.Config.GCS.SAKey,
		})
	default:
		logger.Info("Initializing MinIO client", zap.String("host", config.Config.Minio.Host))
		return object.NewMinIOStorage(ctx, object.MinIOConfig{
			Host:     config.Config.Minio.Host,
			Port:     config.Config.Minio.Port,
			User:     config.Config.Minio.User,
			Password: config.Config.Minio.Password,
			Secure:   config.Config.Minio.Secure,
			Bucket:   config.Config.Blob.Bucket,
		}, logger)
	}
}

func newGrpcOptions(logger *zap.Logger) []grpc.ServerOption {
	opts := middleware.GRPCZapOptions()
	grpcServerOpts := []grpc.ServerOption{
		grpc.StreamInterceptor(grpcmiddleware.ChainStreamServer(
			grpczap.StreamServerInterceptor(logger, opts...),
			grpcrecovery.StreamServerInterceptor(middleware.RecoveryInterceptorOpt()),
		)),
		grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(
			grpczap.UnaryServerInterceptor(logger, opts...),
			grpcrecovery.UnaryServerInterceptor(middleware.RecoveryInterceptorOpt()),
		)),
	}

	// Create tls based credential.
	if config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "" {
		creds, err := credentials.NewServerTLSFromFile(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		if err != nil {
			logger.Fatal("Failed to create credentials", zap.Error(err))
		}
		grpcServerOpts = append(grpcServerOpts, grpc.Creds(creds))
	}

	return grpcServerOpts
}
