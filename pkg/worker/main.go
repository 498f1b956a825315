package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/pipeline"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// TaskQueue is the Temporal task queue name for all workflows and activities.
const TaskQueue = "docflow-backend"

// DefaultTaskTimeLimit bounds a single parse or index attempt.
const DefaultTaskTimeLimit = time.Hour

// ActivityTimeoutStandard is the timeout of the short bookkeeping
// activities. HeartbeatTimeout detects a dead worker long before the task
// time limit.
const (
	ActivityTimeoutStandard = 5 * time.Minute
	HeartbeatTimeout        = 5 * time.Minute
)

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control retry behavior.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 100 * time.Second
	RetryMaximumAttempts    = 3
)

// EmbeddingBatchSize is the number of chunks embedded between two
// heartbeats.
const EmbeddingBatchSize = 256

// fileLockTTL is the expiry of a per-file lock whose holder died.
const fileLockTTL = 2 * time.Minute

// idleHeartbeatInterval paces the heartbeats of an activity blocked on a step
// that reports no progress of its own.
const idleHeartbeatInterval = 30 * time.Second

// EmbedderProvider returns the embedder used for indexing.
type EmbedderProvider func(context.Context) (ai.Embedder, error)

// Config defines the configuration for the worker
type Config struct {
	Repository repository.Repository
	// Sender posts events to the notification channel.
	Sender   notification.Sender
	Embedder EmbedderProvider
	// CallbackURL is the notification channel used by the failure
	// reconciler, which can't read it from the failed job.
	CallbackURL string

	TaskTimeLimit    time.Duration
	ChunkSize        int
	ChunkOverlap     int
	ParseConcurrency int
	// ChunkLen measures chunks. It defaults to counting tokens.
	ChunkLen pipeline.LenFunc
}

// Worker implements the Temporal workflows and activities of the pipeline.
// Workers never write file statuses: every transition is posted to the
// notification channel.
type Worker struct {
	repository repository.Repository
	sender     notification.Sender
	embedder   EmbedderProvider
	cfg        Config
	log        *zap.Logger

	heartbeatInterval time.Duration
	recordHeartbeat   func(ctx context.Context, details ...any)
}

// New creates a new worker instance
func New(cfg Config, log *zap.Logger) (*Worker, error) {
	if cfg.Repository == nil || cfg.Sender == nil || cfg.Embedder == nil {
		return nil, fmt.Errorf("worker requires a repository, a sender and an embedder")
	}
	if cfg.TaskTimeLimit <= 0 {
		cfg.TaskTimeLimit = DefaultTaskTimeLimit
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = pipeline.DefaultChunkSize
	}
	if cfg.ChunkLen == nil {
		lenFunc, err := pipeline.TokenLen()
		if err != nil {
			return nil, err
		}
		cfg.ChunkLen = lenFunc
	}

	return &Worker{
		repository: cfg.Repository,
		sender:     cfg.Sender,
		embedder:   cfg.Embedder,
		cfg:        cfg,
		log:        log,

		heartbeatInterval: idleHeartbeatInterval,
		recordHeartbeat:   activity.RecordHeartbeat,
	}, nil
}

// keepAlive records a heartbeat with details until the returned function is
// called.
func (w *Worker) keepAlive(ctx context.Context, details any) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.recordHeartbeat(ctx, details)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// Registry is implemented by the Temporal worker and the workflow test
// environment.
type Registry interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}

// Register registers the workflows and activities of the pipeline.
func (w *Worker) Register(r Registry) {
	r.RegisterWorkflow(w.ParseFileWorkflow)
	r.RegisterWorkflow(w.IndexFileWorkflow)
	r.RegisterWorkflow(w.ResetIndexWorkflow)

	r.RegisterActivity(w.ParseFileActivity)
	r.RegisterActivity(w.IndexFileActivity)
	r.RegisterActivity(w.ResetIndexActivity)
	r.RegisterActivity(w.NotifyTerminalActivity)
	r.RegisterActivity(w.ReconcileFailedJobActivity)
}

// taskActivityOptions are used by the activities doing the actual work of a
// job. Exhausting them fails the workflow, which triggers the reconciler.
func (w *Worker) taskActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: w.cfg.TaskTimeLimit,
		HeartbeatTimeout:    HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	}
}

func standardActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	}
}

// activityError wraps an activity failure so the end-user message survives
// the Temporal boundary. Invalid input isn't retried.
func activityError(err error, errType string) error {
	if errors.Is(err, errorsx.ErrInvalidArgument) {
		return temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), errType, err)
	}
	return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), errType, err)
}

// notifyProgress posts a progress event. Progress is informative, so
// delivery failures are only logged.
func (w *Worker) notifyProgress(ctx context.Context, callbackURL string, kind types.TaskKind, fileUID types.FileUIDType, percent float64) {
	ev, err := notification.NewProgressEvent(kind, fileUID, percent)
	if err == nil {
		err = w.sender.Send(ctx, callbackURL, ev)
	}
	if err != nil {
		w.log.Warn("Couldn't post progress",
			zap.String("fileUID", fileUID.String()),
			zap.String("kind", string(kind)),
			zap.Float64("percent", percent),
			zap.Error(err))
	}
}
