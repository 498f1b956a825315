package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/docflow-backend/config"
	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/docflow-backend/pkg/db"
	httpclient "github.com/instill-ai/docflow-backend/pkg/client/http"
	docflowworker "github.com/instill-ai/docflow-backend/pkg/worker"
	logx "github.com/instill-ai/x/log"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping worker
const gracefulShutdownTimeout = 10 * time.Minute    // Maximum time for in-flight activities to complete

var (
	// These variables might be overridden at buildtime.
	serviceName    = "docflow-backend-worker"
	serviceVersion = "dev"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

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

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	// Set gRPC logging based on debug mode
	if config.Config.Server.Debug {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 0) // All logs including transport layer
	} else {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3) // Suppress transport layer logs (verbosity 3+)
	}

	repo, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	// Workers don't write file statuses: they post events to the
	// notification channel of the API server.
	cw, err := docflowworker.New(docflowworker.Config{
		Repository:       repo,
		Sender:           httpclient.NewNotificationClient(ctx),
		Embedder:         ai.Shared,
		CallbackURL:      config.Config.Server.NotifyURL,
		TaskTimeLimit:    config.Config.Worker.TaskTimeLimit,
		ChunkSize:        config.Config.Pipeline.ChunkSize,
		ChunkOverlap:     config.Config.Pipeline.ChunkOverlap,
		ParseConcurrency: config.Config.Pipeline.ParseConcurrency,
	}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker", zap.Error(err))
	}

	// The reconcile interceptor goes first so failures are reconciled even
	// if tracing fails.
	interceptors := []interceptor.WorkerInterceptor{docflowworker.NewReconcileInterceptor()}
	if config.Config.OTELCollector.Enable {
		workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
		}
		interceptors = append(interceptors, workerInterceptor)
	}

	w := worker.New(temporalClient, docflowworker.TaskQueue, worker.Options{
		// A panicking workflow must fail so its claims are reconciled.
		WorkflowPanicPolicy:                worker.FailWorkflow,
		WorkerStopTimeout:                  gracefulShutdownTimeout,
		MaxConcurrentActivityExecutionSize: config.Config.Worker.MaxConcurrentActivities,
		Interceptors:                       interceptors,
	})
	cw.Register(w)

	if err := w.Start(); err != nil {
		logger.Fatal("Unable to start worker", zap.Error(err))
	}

	logger.Info("Temporal worker started successfully and is polling for tasks",
		zap.String("taskQueue", docflowworker.TaskQueue),
		zap.Int("maxConcurrentActivities", config.Config.Worker.MaxConcurrentActivities))

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	// Note: SIGKILL (kill -9) cannot be caught and will force immediate termination
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	<-quitSig

	logger.Info("Shutdown signal received, waiting for in-flight activities to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down worker...")
	w.Stop()
}

// newClients initializes all external service clients and returns a cleanup function
func newClients(ctx context.Context, logger *zap.Logger) (
	repository.Repository,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	// Initialize database connection (the reconciler fails claimed files)
	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (per-file critical section of the index stage)
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	// Initialize Temporal client (for workflow orchestration)
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
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	// Initialize object storage (source files, parsed text, chunk cache)
	var objectStorage object.Storage
	switch config.Config.Blob.Provider {
	case "gcs":
		objectStorage, err = object.NewGCSStorage(ctx, object.GCSConfig{
			ProjectID:         config.Config.GCS.ProjectID,
			ServiceAccountKey: config.Config.GCS.SAKey,
		})
	default:
		objectStorage, err = object.NewMinIOStorage(ctx, object.MinIOConfig{
			Host:     config.Config.Minio.Host,
			Port:     config.Config.Minio.Port,
			User:     config.Config.Minio.User,
			Password: config.Config.Minio.Password,
			Secure:   config.Config.Minio.Secure,
			Bucket:   config.Config.Blob.Bucket,
		}, logger)
	}
	if err != nil {
		logger.Fatal("Failed to create object storage",
			zap.String("provider", config.Config.Blob.Provider),
			zap.Error(err))
	}

	// Initialize Milvus client (for vector database - embedding storage and similarity search)
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

	return repository.NewRepository(db, vectorDB, objectStorage, redisClient), temporalClient, closer
}
