// Package local embeds texts with a self-hosted OpenAI-compatible server
// (e.g. Ollama).
package local

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	errorsx "github.com/instill-ai/x/errors"
)

// Embedder generates embeddings through langchaingo.
type Embedder struct {
	embedder       embeddings.Embedder
	dimensionality uint32
}

// NewEmbedder creates an embedder for the server at baseURL.
func NewEmbedder(baseURL, model string, dimensionality uint32) (*Embedder, error) {
	if baseURL == "" || model == "" || dimensionality == 0 {
		return nil, errorsx.AddMessage(
			fmt.Errorf("local embedding requires base URL, model and dimensionality: %w", errorsx.ErrInvalidArgument),
			"Embedding service configuration is missing. Please contact your administrator.",
		)
	}

	// Local servers don't authenticate but the client requires a token.
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken("none"),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating local embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating local embedder: %w", err)
	}

	return &Embedder{embedder: embedder, dimensionality: dimensionality}, nil
}

// Name returns the provider name.
func (e *Embedder) Name() string { return "local" }

// Dimensionality returns the size of the generated vectors.
func (e *Embedder) Dimensionality() uint32 { return e.dimensionality }

// EmbedTexts embeds a batch of texts, preserving their order.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("local embedding failed: %w", err),
			"Unable to generate embeddings. Please try again.",
		)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if uint32(len(v)) != e.dimensionality {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(v), e.dimensionality)
		}
	}
	return vectors, nil
}
