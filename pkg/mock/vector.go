package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

// VectorDatabase is an in-memory repository.VectorDatabase. Search returns
// the stored embeddings ordered by chunk index with a constant score.
type VectorDatabase struct {
	mu          sync.Mutex
	collections map[string][]repository.VectorEmbedding
	dims        map[string]uint32

	// InsertErr, when set, is returned by InsertVectorsInCollection.
	InsertErr error
}

// NewVectorDatabase returns an empty vector database.
func NewVectorDatabase() *VectorDatabase {
	return &VectorDatabase{
		collections: map[string][]repository.VectorEmbedding{},
		dims:        map[string]uint32{},
	}
}

// CreateCollection implements repository.VectorDatabase.
func (v *VectorDatabase) CreateCollection(_ context.Context, collection string, dimensionality uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[collection]; !ok {
		v.collections[collection] = nil
		v.dims[collection] = dimensionality
	}
	return nil
}

// DropCollection implements repository.VectorDatabase.
func (v *VectorDatabase) DropCollection(_ context.Context, collection string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.collections, collection)
	delete(v.dims, collection)
	return nil
}

// CollectionExists implements repository.VectorDatabase.
func (v *VectorDatabase) CollectionExists(_ context.Context, collection string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.collections[collection]
	return ok, nil
}

// InsertVectorsInCollection implements repository.VectorDatabase.
func (v *VectorDatabase) InsertVectorsInCollection(_ context.Context, collection string, embeddings []repository.VectorEmbedding) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.InsertErr != nil {
		return v.InsertErr
	}
	v.collections[collection] = append(v.collections[collection], embeddings...)
	return nil
}

// DeleteEmbeddingsWithFileUID implements repository.VectorDatabase.
func (v *VectorDatabase) DeleteEmbeddingsWithFileUID(_ context.Context, collection string, fileUID types.FileUIDType) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	embeddings, ok := v.collections[collection]
	if !ok {
		return nil
	}
	kept := embeddings[:0:0]
	for _, e := range embeddings {
		if e.FileUID != fileUID {
			kept = append(kept, e)
		}
	}
	v.collections[collection] = kept
	return nil
}

// CountEmbeddingsWithFileUID implements repository.VectorDatabase.
func (v *VectorDatabase) CountEmbeddingsWithFileUID(_ context.Context, collection string, fileUID types.FileUIDType) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var n int64
	for _, e := range v.collections[collection] {
		if e.FileUID == fileUID {
			n++
		}
	}
	return n, nil
}

// SearchVectorsInCollection implements repository.VectorDatabase.
func (v *VectorDatabase) SearchVectorsInCollection(_ context.Context, p repository.SearchVectorParam) ([]repository.SimilarVectorEmbedding, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	allowed := map[types.FileUIDType]bool{}
	for _, uid := range p.FileUIDs {
		allowed[uid] = true
	}

	var results []repository.SimilarVectorEmbedding
	for _, e := range v.collections[p.Collection] {
		if len(allowed) > 0 && !allowed[e.FileUID] {
			continue
		}
		results = append(results, repository.SimilarVectorEmbedding{VectorEmbedding: e, Score: 1})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].ChunkIndex < results[j].ChunkIndex })
	if p.TopK > 0 && len(results) > int(p.TopK) {
		results = results[:p.TopK]
	}
	return results, nil
}

// FlushCollection implements repository.VectorDatabase.
func (v *VectorDatabase) FlushCollection(context.Context, string) error { return nil }
