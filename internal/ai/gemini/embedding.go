// Package gemini embeds texts with the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "gemini-embedding-001"
	// DefaultDimensionality is the native vector size of DefaultModel.
	DefaultDimensionality = 3072

	maxRetries = 3
	// Gemini has no batch endpoint; texts are embedded concurrently.
	maxConcurrentRequests = 8
)

// Embedder generates embeddings with Gemini.
type Embedder struct {
	client         *genai.Client
	model          string
	dimensionality uint32
}

// NewEmbedder creates a Gemini embedder.
func NewEmbedder(ctx context.Context, apiKey, model string, dimensionality uint32) (*Embedder, error) {
	if apiKey == "" {
		return nil, errorsx.AddMessage(
			fmt.Errorf("missing Gemini API key: %w", errorsx.ErrInvalidArgument),
			"Embedding service configuration is missing. Please contact your administrator.",
		)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create Gemini client: %w", err),
			"Unable to connect to AI service. Please try again later.",
		)
	}

	if model == "" {
		model = DefaultModel
	}
	if dimensionality == 0 {
		dimensionality = DefaultDimensionality
	}

	return &Embedder{
		client:         client,
		model:          model,
		dimensionality: dimensionality,
	}, nil
}

// Name returns the provider name.
func (e *Embedder) Name() string { return "gemini" }

// Dimensionality returns the size of the generated vectors.
func (e *Embedder) Dimensionality() uint32 { return e.dimensionality }

// EmbedTexts embeds a batch of texts, preserving their order. taskType
// (e.g. RETRIEVAL_DOCUMENT, RETRIEVAL_QUERY) tunes the embeddings for
// their use.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var embeddingErr error
	sem := make(chan struct{}, maxConcurrentRequests)

	for i, text := range texts {
		wg.Add(1)
		go func(idx int, txt string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			v, err := e.embed(ctx, txt, taskType)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if embeddingErr == nil {
					embeddingErr = errorsx.AddMessage(
						fmt.Errorf("gemini embedding failed for text %d after %d attempts: %w", idx, maxRetries, err),
						"Unable to generate embeddings. Please try again.",
					)
				}
				return
			}
			vectors[idx] = v
		}(i, text)
	}
	wg.Wait()

	if embeddingErr != nil {
		return nil, embeddingErr
	}
	return vectors, nil
}

func (e *Embedder) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	var err error
	for attempt := range maxRetries {
		var result *genai.EmbedContentResponse
		result, err = e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			TaskType:             taskType,
			OutputDimensionality: genai.Ptr(int32(e.dimensionality)),
		})
		switch {
		case err != nil:
		case len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0:
			err = fmt.Errorf("empty embedding returned")
		default:
			return result.Embeddings[0].Values, nil
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
