package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

// VectorEmbedding is a vector representation of a text chunk extracted from a
// file. Every embedding is tagged with the UID of its file.
type VectorEmbedding struct {
	EmbeddingUID string
	FileUID      types.FileUIDType
	ChunkIndex   int64
	Text         string
	Vector       []float32
}

// SimilarVectorEmbedding extends VectorEmbedding to add a similarity search score.
type SimilarVectorEmbedding struct {
	VectorEmbedding
	Score float32
}

// SearchVectorParam contains the parameters for a similarity vector
// search.
type SearchVectorParam struct {
	Collection string
	Vector     []float32
	TopK       uint32
	FileUIDs   []types.FileUIDType
}

// VectorDatabase implements the necessary use cases to interact with a vector
// database (e.g., Milvus). Embeddings are addressed by collection and tagged
// by file UID.
type VectorDatabase interface {
	CreateCollection(_ context.Context, collection string, dimensionality uint32) error
	DropCollection(_ context.Context, collection string) error
	CollectionExists(_ context.Context, collection string) (bool, error)
	InsertVectorsInCollection(_ context.Context, collection string, embeddings []VectorEmbedding) error
	// DeleteEmbeddingsWithFileUID removes every embedding tagged with the
	// file UID. It is a no-op if the collection doesn't exist.
	DeleteEmbeddingsWithFileUID(_ context.Context, collection string, fileUID types.FileUIDType) error
	// CountEmbeddingsWithFileUID returns the number of embeddings tagged with
	// the file UID.
	CountEmbeddingsWithFileUID(_ context.Context, collection string, fileUID types.FileUIDType) (int64, error)
	SearchVectorsInCollection(context.Context, SearchVectorParam) ([]SimilarVectorEmbedding, error)
	// FlushCollection flushes a collection to persist data immediately
	FlushCollection(_ context.Context, collection string) error
}

// Milvus implementation constants
const (
	scanNList  = 1024
	metricType = entity.COSINE
	withRaw    = true

	nProbe   = 250
	reorderK = 250

	collectionFieldEmbeddingUID = "embedding_uid"
	collectionFieldFileUID      = "file_uid"
	collectionFieldChunkIndex   = "chunk_index"
	collectionFieldText         = "text"
	collectionFieldEmbedding    = "embedding"

	maxTextLength = 65535
)

type milvusClient struct {
	c client.Client
}

// NewVectorDatabase returns a VectorDatabase implementation (milvus).
func NewVectorDatabase(ctx context.Context, host, port string) (db VectorDatabase, closeFn func() error, _ error) {
	c, err := client.NewGrpcClient(ctx, host+":"+port)
	if err != nil {
		return nil, nil, err
	}

	return &milvusClient{
		c: c,
	}, c.Close, nil
}

func (m *milvusClient) CreateCollection(ctx context.Context, collectionName string, dimensionality uint32) error {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", collectionName), zap.Uint32("dimensionality", dimensionality))

	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if has {
		logger.Info("Skipping collection creation: already exists.")
		return nil
	}

	schema := &entity.Schema{
		CollectionName: collectionName,
		Fields: []*entity.Field{
			{Name: collectionFieldEmbeddingUID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "255"}},
			{Name: collectionFieldFileUID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "255"}},
			{Name: collectionFieldChunkIndex, DataType: entity.FieldTypeInt64},
			{Name: collectionFieldText, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxTextLength)}},
			{Name: collectionFieldEmbedding, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprintf("%d", dimensionality)}},
		},
	}

	if err := m.c.CreateCollection(ctx, schema, 1); err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}

	vectorIdx, err := entity.NewIndexSCANN(metricType, scanNList, withRaw)
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}

	for field, idx := range map[string]entity.Index{
		collectionFieldEmbedding: vectorIdx,
		collectionFieldFileUID:   entity.NewScalarIndexWithType(entity.Inverted),
	} {
		if err := m.c.CreateIndex(ctx, collectionName, field, idx, false); err != nil {
			return fmt.Errorf("creating index for field %s: %w", field, err)
		}
	}

	logger.Info("Collection created successfully.")
	return nil
}

func (m *milvusClient) DropCollection(ctx context.Context, collectionName string) error {
	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if !has {
		return nil
	}
	return m.c.DropCollection(ctx, collectionName)
}

// CollectionExists checks if a collection exists in Milvus
func (m *milvusClient) CollectionExists(ctx context.Context, collectionName string) (bool, error) {
	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return false, fmt.Errorf("checking collection existence: %w", err)
	}
	return has, nil
}

func (m *milvusClient) InsertVectorsInCollection(ctx context.Context, collectionName string, embeddings []VectorEmbedding) error {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", collectionName))

	if len(embeddings) == 0 {
		return nil
	}

	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}
	if !has {
		return fmt.Errorf("collection does not exist: %w", errorsx.ErrNotFound)
	}

	vectorCount := len(embeddings)
	embeddingUIDs := make([]string, vectorCount)
	fileUIDs := make([]string, vectorCount)
	chunkIndexes := make([]int64, vectorCount)
	texts := make([]string, vectorCount)
	vectors := make([][]float32, vectorCount)

	for i, emb := range embeddings {
		embeddingUIDs[i] = emb.EmbeddingUID
		fileUIDs[i] = emb.FileUID.String()
		chunkIndexes[i] = emb.ChunkIndex
		texts[i] = truncateText(emb.Text)
		vectors[i] = emb.Vector
	}

	columns := []entity.Column{
		entity.NewColumnVarChar(collectionFieldEmbeddingUID, embeddingUIDs),
		entity.NewColumnVarChar(collectionFieldFileUID, fileUIDs),
		entity.NewColumnInt64(collectionFieldChunkIndex, chunkIndexes),
		entity.NewColumnVarChar(collectionFieldText, texts),
		entity.NewColumnFloatVector(collectionFieldEmbedding, len(vectors[0]), vectors),
	}

	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err = m.c.Upsert(ctx, collectionName, "", columns...)
		if err == nil {
			break
		}
		logger.Warn("Failed to insert vectors, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	if err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}

	logger.Info("Successfully inserted vectors", zap.Int("count", vectorCount))
	return nil
}

// truncateText keeps the chunk text within the VarChar limit without
// splitting a multi-byte character.
func truncateText(s string) string {
	if len(s) <= maxTextLength {
		return s
	}
	cut := maxTextLength
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// loadCollection loads the collection in memory if it isn't loaded already.
func (m *milvusClient) loadCollection(ctx context.Context, collectionName string) error {
	loadState, err := m.c.GetLoadState(ctx, collectionName, []string{})
	if err != nil {
		return fmt.Errorf("checking load state: %w", err)
	}
	if loadState == entity.LoadStateLoaded {
		return nil
	}
	if err := m.c.LoadCollection(ctx, collectionName, false); err != nil {
		return fmt.Errorf("loading collection: %w", err)
	}
	return nil
}

func fileUIDExpr(fileUID types.FileUIDType) string {
	return fmt.Sprintf("%s == '%s'", collectionFieldFileUID, fileUID.String())
}

func (m *milvusClient) DeleteEmbeddingsWithFileUID(ctx context.Context, collectionName string, fileUID types.FileUIDType) error {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", collectionName), zap.String("file_uid", fileUID.String()))

	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("checking collection existence: %w", err)
	}

	// If collection doesn't exist, there's nothing to delete - return success
	if !has {
		logger.Info("Collection does not exist, skipping delete")
		return nil
	}

	if err := m.loadCollection(ctx, collectionName); err != nil {
		return err
	}

	if err := m.c.Delete(ctx, collectionName, "", fileUIDExpr(fileUID)); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}

	logger.Info("Successfully deleted embeddings")
	return nil
}

func (m *milvusClient) CountEmbeddingsWithFileUID(ctx context.Context, collectionName string, fileUID types.FileUIDType) (int64, error) {
	has, err := m.c.HasCollection(ctx, collectionName)
	if err != nil {
		return 0, fmt.Errorf("checking collection existence: %w", err)
	}
	if !has {
		return 0, nil
	}

	if err := m.loadCollection(ctx, collectionName); err != nil {
		return 0, err
	}

	rs, err := m.c.Query(ctx, collectionName, nil, fileUIDExpr(fileUID), []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}

	col, ok := rs.GetColumn("count(*)").(*entity.ColumnInt64)
	if !ok || col.Len() == 0 {
		return 0, fmt.Errorf("unexpected count result")
	}
	return col.Data()[0], nil
}

func (m *milvusClient) fileUIDFilter(fileUIDs []types.FileUIDType) string {
	validUIDs := make([]string, 0, len(fileUIDs))
	for _, uid := range fileUIDs {
		if uid.IsNil() {
			continue
		}
		validUIDs = append(validUIDs, `"`+uid.String()+`"`)
	}

	if len(validUIDs) == 0 {
		return ""
	}

	return fmt.Sprintf("%s in [%s]", collectionFieldFileUID, strings.Join(validUIDs, ","))
}

func (m *milvusClient) SearchVectorsInCollection(ctx context.Context, p SearchVectorParam) ([]SimilarVectorEmbedding, error) {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", p.Collection))

	t := time.Now()
	has, err := m.c.HasCollection(ctx, p.Collection)
	if err != nil {
		return nil, fmt.Errorf("checking collection existence: %w", err)
	}
	if !has {
		return nil, fmt.Errorf("checking collection existence: %w", errorsx.ErrNotFound)
	}

	if err := m.loadCollection(ctx, p.Collection); err != nil {
		return nil, err
	}
	logger.Debug("Collection load.", zap.Duration("duration", time.Since(t)))

	outputFields := []string{
		collectionFieldEmbeddingUID,
		collectionFieldFileUID,
		collectionFieldChunkIndex,
		collectionFieldText,
	}

	sp, err := entity.NewIndexSCANNSearchParam(nProbe, reorderK)
	if err != nil {
		return nil, fmt.Errorf("creating search param: %w", err)
	}

	t = time.Now()
	results, err := m.c.Search(
		ctx,
		p.Collection,
		nil,
		m.fileUIDFilter(p.FileUIDs),
		outputFields,
		[]entity.Vector{entity.FloatVector(p.Vector)},
		collectionFieldEmbedding,
		metricType,
		int(p.TopK),
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("searching embeddings: %w", err)
	}
	logger.Info("Embeddings search.", zap.Duration("duration", time.Since(t)))

	// A single query vector yields at most one result set.
	var embeddings []SimilarVectorEmbedding
	for _, result := range results {
		if result.ResultCount == 0 {
			continue
		}
		embeddingUIDs, err := getStringData(result.Fields.GetColumn(collectionFieldEmbeddingUID))
		if err != nil {
			return nil, fmt.Errorf("getting embedding UID column value: %w", err)
		}
		fileUIDs, err := getStringData(result.Fields.GetColumn(collectionFieldFileUID))
		if err != nil {
			return nil, fmt.Errorf("getting file UID column value: %w", err)
		}
		texts, err := getStringData(result.Fields.GetColumn(collectionFieldText))
		if err != nil {
			return nil, fmt.Errorf("getting text column value: %w", err)
		}
		chunkIndexes, ok := result.Fields.GetColumn(collectionFieldChunkIndex).(*entity.ColumnInt64)
		if !ok {
			return nil, fmt.Errorf("unexpected column type for chunk index")
		}

		for i := range embeddingUIDs {
			embeddings = append(embeddings, SimilarVectorEmbedding{
				VectorEmbedding: VectorEmbedding{
					EmbeddingUID: embeddingUIDs[i],
					FileUID:      uuid.FromStringOrNil(fileUIDs[i]),
					ChunkIndex:   chunkIndexes.Data()[i],
					Text:         texts[i],
				},
				Score: result.Scores[i],
			})
		}
	}

	return embeddings, nil
}

// FlushCollection flushes a collection to persist all data immediately
func (m *milvusClient) FlushCollection(ctx context.Context, collectionName string) error {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", collectionName))

	var err error
	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = m.c.Flush(ctx, collectionName, false)
		if err == nil {
			break
		}
		logger.Warn("Failed to flush collection, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	if err != nil {
		return fmt.Errorf("flushing collection: %w", err)
	}

	return nil
}

func getStringData(col entity.Column) ([]string, error) {
	switch v := col.(type) {
	case *entity.ColumnVarChar:
		return v.Data(), nil
	case *entity.ColumnString:
		return v.Data(), nil
	default:
		return nil, fmt.Errorf("unexpected column type for string data: %T", col)
	}
}
