package service

import (
	"context"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/broadcast"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

// TaskQueue hands jobs to the workers. The worker package implements it on
// top of Temporal.
type TaskQueue interface {
	Enqueue(context.Context, types.Job) (types.JobIDType, error)
}

// EmbedderProvider returns the embedder used for search queries.
type EmbedderProvider func(context.Context) (ai.Embedder, error)

// Service defines the document pipeline use cases.
type Service interface {
	// Dispatch claims a pipeline stage for a file and enqueues its job.
	Dispatch(_ context.Context, fileUID types.FileUIDType, kind types.TaskKind) (types.JobIDType, error)
	// DispatchBatch dispatches one independent job per file.
	DispatchBatch(_ context.Context, fileUIDs []types.FileUIDType, kind types.TaskKind) []DispatchResult
	// ForceClearClaim releases the claim of a file whose job is lost. When
	// jobID is set, a claim held by any other job is kept.
	ForceClearClaim(_ context.Context, fileUID types.FileUIDType, jobID types.JobIDType) (*repository.FileModel, error)
	// ResetCollection enqueues the reset of a collection's vector index.
	ResetCollection(_ context.Context, collection string) (types.JobIDType, error)

	// ApplyNotification applies a worker event to the entity store and
	// forwards it to the live clients.
	ApplyNotification(_ context.Context, raw []byte) error

	CreateFile(context.Context, CreateFileParam) (*repository.FileModel, error)
	GetFile(_ context.Context, fileUID types.FileUIDType) (*repository.FileModel, error)
	ListFiles(_ context.Context, collection string) ([]repository.FileModel, error)
	// ReviseParsedText replaces the extracted text of a file.
	ReviseParsedText(_ context.Context, fileUID types.FileUIDType, pages []string) (*repository.FileModel, error)
	DeleteFile(_ context.Context, fileUID types.FileUIDType) error

	SearchChunks(context.Context, SearchChunksParam) ([]SimChunk, error)

	Repository() repository.Repository
}

// Config holds the service settings.
type Config struct {
	// Bucket stores the uploaded files and their derived artifacts.
	Bucket string
	// CallbackURL is the notification channel address handed to the
	// workers.
	CallbackURL string
	// ParseAfterUpload dispatches a parse job for every new file.
	ParseAfterUpload bool
}

type service struct {
	repository repository.Repository
	queue      TaskQueue
	publisher  broadcast.Publisher
	embedder   EmbedderProvider
	cfg        Config
}

// NewService initiates a service instance
func NewService(
	r repository.Repository,
	q TaskQueue,
	p broadcast.Publisher,
	e EmbedderProvider,
	cfg Config,
) Service {
	return &service{
		repository: r,
		queue:      q,
		publisher:  p,
		embedder:   e,
		cfg:        cfg,
	}
}

func (s *service) Repository() repository.Repository { return s.repository }
