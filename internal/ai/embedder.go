// Package ai holds the embedding providers used to index and search the
// document chunks.
package ai

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/config"
	"github.com/instill-ai/docflow-backend/internal/ai/gemini"
	"github.com/instill-ai/docflow-backend/internal/ai/local"
	"github.com/instill-ai/docflow-backend/internal/ai/openai"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

// Embedding task types. Providers without task-specific embeddings ignore
// them.
const (
	TaskTypeRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskTypeRetrievalQuery    = "RETRIEVAL_QUERY"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderLocal  = "local"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Name() string
	Dimensionality() uint32
	EmbedTexts(_ context.Context, texts []string, taskType string) ([][]float32, error)
}

// NewEmbedder creates the embedder selected by the configuration.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (Embedder, error) {
	var e Embedder
	var err error
	switch cfg.Provider {
	case ProviderOpenAI, "":
		e, err = openai.NewEmbedder(cfg.OpenAI.APIKey, cfg.Model, cfg.Dimensionality)
	case ProviderGemini:
		e, err = gemini.NewEmbedder(ctx, cfg.Gemini.APIKey, cfg.Model, cfg.Dimensionality)
	case ProviderLocal:
		e, err = local.NewEmbedder(cfg.Local.BaseURL, cfg.Model, cfg.Dimensionality)
	default:
		err = errorsx.AddMessage(
			fmt.Errorf("unknown embedding provider %q: %w", cfg.Provider, errorsx.ErrInvalidArgument),
			"Embedding service configuration is invalid. Please contact your administrator.",
		)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

var (
	sharedMu sync.Mutex
	shared   Embedder
)

// Shared returns the process-wide embedder, creating it on first use. A
// failed initialization is retried on the next call.
func Shared(ctx context.Context) (Embedder, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}

	e, err := NewEmbedder(ctx, config.Config.Embedding)
	if err != nil {
		return nil, err
	}

	logger, _ := logx.GetZapLogger(ctx)
	logger.Info("Embedder initialized",
		zap.String("provider", e.Name()),
		zap.Uint32("dimensionality", e.Dimensionality()))

	shared = e
	return shared, nil
}

// EmbedTexts embeds texts with e, returning an empty result for no input.
func EmbedTexts(ctx context.Context, e Embedder, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, errorsx.AddMessage(
				fmt.Errorf("text at index %d is empty: %w", i, errorsx.ErrInvalidArgument),
				"Cannot generate embeddings for empty text",
			)
		}
	}

	vectors, err := e.EmbedTexts(ctx, texts, taskType)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if uint32(len(v)) != e.Dimensionality() {
			return nil, fmt.Errorf("%s embedding %d has %d dimensions, expected %d", e.Name(), i, len(v), e.Dimensionality())
		}
	}
	return vectors, nil
}
