package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// SearchChunksParam holds a similarity search over a collection.
type SearchChunksParam struct {
	Collection string
	Query      string
	TopK       uint32
	// FileUIDs restricts the search to a set of files.
	FileUIDs []types.FileUIDType
}

// SimChunk is a chunk matching a search, with its similarity score.
type SimChunk struct {
	FileUID    types.FileUIDType `json:"file_uid"`
	ChunkIndex int64             `json:"chunk_index"`
	Text       string            `json:"text"`
	Score      float32           `json:"score"`
}

func (s *service) SearchChunks(ctx context.Context, p SearchChunksParam) ([]SimChunk, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, errorsx.AddMessage(fmt.Errorf("empty query: %w", errorsx.ErrInvalidArgument), "Search query is required.")
	}
	if p.TopK == 0 {
		p.TopK = constant.DefaultSearchTopK
	}

	collection := constant.CollectionName(p.Collection)
	exists, err := s.repository.CollectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []SimChunk{}, nil
	}

	embedder, err := s.embedder(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := ai.EmbedTexts(ctx, embedder, []string{p.Query}, ai.TaskTypeRetrievalQuery)
	if err != nil {
		return nil, err
	}

	results, err := s.repository.SearchVectorsInCollection(ctx, repository.SearchVectorParam{
		Collection: collection,
		Vector:     vectors[0],
		TopK:       p.TopK,
		FileUIDs:   p.FileUIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	chunks := make([]SimChunk, len(results))
	for i, r := range results {
		chunks[i] = SimChunk{
			FileUID:    r.FileUID,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Text,
			Score:      r.Score,
		}
	}
	return chunks, nil
}
