package mock

import (
	"context"
	"sync/atomic"
)

// Embedder returns zero vectors of a fixed dimensionality.
type Embedder struct {
	Dim uint32
	// Err, when set, is returned by EmbedTexts.
	Err error

	calls atomic.Int32
}

// Name implements ai.Embedder.
func (e *Embedder) Name() string { return "mock" }

// Dimensionality implements ai.Embedder.
func (e *Embedder) Dimensionality() uint32 { return e.Dim }

// EmbedTexts implements ai.Embedder.
func (e *Embedder) EmbedTexts(_ context.Context, texts []string, _ string) ([][]float32, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = make([]float32, e.Dim)
	}
	return vectors, nil
}

// Calls returns the number of EmbedTexts calls.
func (e *Embedder) Calls() int { return int(e.calls.Load()) }
