package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errorsx "github.com/instill-ai/x/errors"
)

// ObjectStorage is an in-memory object.Storage.
type ObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte

	// UploadErr, when set, is returned by UploadFile.
	UploadErr error
}

// NewObjectStorage returns an empty storage.
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{objects: map[string][]byte{}}
}

func objectKey(bucket, path string) string { return bucket + "/" + path }

// UploadFile implements object.Storage.
func (s *ObjectStorage) UploadFile(_ context.Context, bucket, path string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UploadErr != nil {
		return s.UploadErr
	}
	s.objects[objectKey(bucket, path)] = append([]byte(nil), content...)
	return nil
}

// DeleteFile implements object.Storage.
func (s *ObjectStorage) DeleteFile(_ context.Context, bucket, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey(bucket, path))
	return nil
}

// GetFile implements object.Storage.
func (s *ObjectStorage) GetFile(_ context.Context, bucket, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[objectKey(bucket, path)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, path, errorsx.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

// FileExists implements object.Storage.
func (s *ObjectStorage) FileExists(_ context.Context, bucket, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[objectKey(bucket, path)]
	return ok, nil
}

// Keys returns the stored "bucket/path" keys, sorted.
func (s *ObjectStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
