// Package openai embeds texts with the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "text-embedding-3-small"
	// DefaultDimensionality is the vector size of DefaultModel.
	DefaultDimensionality = 1536

	// The API takes up to 2048 inputs per request.
	maxBatchSize = 512
	maxRetries   = 3
)

// Embedder generates embeddings with OpenAI.
type Embedder struct {
	client         *openai.Client
	model          string
	dimensionality uint32
}

// NewEmbedder creates an OpenAI embedder.
func NewEmbedder(apiKey, model string, dimensionality uint32) (*Embedder, error) {
	if apiKey == "" {
		return nil, errorsx.AddMessage(
			fmt.Errorf("missing OpenAI API key: %w", errorsx.ErrInvalidArgument),
			"Embedding service configuration is missing. Please contact your administrator.",
		)
	}
	if model == "" {
		model = DefaultModel
	}
	if dimensionality == 0 {
		dimensionality = DefaultDimensionality
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Embedder{
		client:         &client,
		model:          model,
		dimensionality: dimensionality,
	}, nil
}

// Name returns the provider name.
func (e *Embedder) Name() string { return "openai" }

// Dimensionality returns the size of the generated vectors.
func (e *Embedder) Dimensionality() uint32 { return e.dimensionality }

// EmbedTexts embeds a batch of texts, preserving their order. OpenAI has no
// task-specific embeddings, taskType is ignored.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, errorsx.AddMessage(
				fmt.Errorf("openai embedding failed for texts %d-%d: %w", start, end-1, err),
				"Unable to generate embeddings. Please try again.",
			)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: e.model,
	}
	if e.dimensionality != DefaultDimensionality {
		params.Dimensions = openai.Int(int64(e.dimensionality))
	}

	var err error
	for attempt := range maxRetries {
		var resp *openai.CreateEmbeddingResponse
		resp, err = e.client.Embeddings.New(ctx, params)
		if err == nil {
			if len(resp.Data) != len(texts) {
				return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))
			}

			vectors := make([][]float32, len(texts))
			for _, d := range resp.Data {
				if d.Index < 0 || int(d.Index) >= len(texts) {
					return nil, fmt.Errorf("embedding index %d out of range", d.Index)
				}
				v := make([]float32, len(d.Embedding))
				for j, val := range d.Embedding {
					v[j] = float32(val)
				}
				vectors[d.Index] = v
			}
			return vectors, nil
		}

		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
		}
	}
	return nil, err
}
