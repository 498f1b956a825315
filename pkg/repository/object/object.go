package object

import (
	"context"
	"fmt"

	"github.com/instill-ai/docflow-backend/pkg/types"
)

// Object path layout. Derived artifacts live next to their source blob.
const (
	// SourceFileDir holds the uploaded source files.
	SourceFileDir = "file"

	// ParsedTextSuffix is appended to a source key to store the text
	// extracted from it, as a JSON array of pages.
	ParsedTextSuffix = ".md.json"
	// ChunkCacheSuffix is appended to a source key to cache the chunks that
	// were indexed.
	ChunkCacheSuffix = ".md.split.json"
)

// SourceFilePath returns the object key of an uploaded file.
// Format: file/{fileUID}/{filename}
func SourceFilePath(fileUID types.FileUIDType, filename string) string {
	return fmt.Sprintf("%s/%s/%s", SourceFileDir, fileUID.String(), filename)
}

// ParsedTextPath returns the key of the text extracted from a source key.
func ParsedTextPath(sourceKey string) string {
	return sourceKey + ParsedTextSuffix
}

// ChunkCachePath returns the key of the chunk cache of a source key.
func ChunkCachePath(sourceKey string) string {
	return sourceKey + ChunkCacheSuffix
}

// Storage defines the interface for object storage operations, addressed by
// bucket and key.
// Implementations: MinIO (default), GCS
type Storage interface {
	UploadFile(ctx context.Context, bucket string, filePath string, content []byte, fileMimeType string) error
	// DeleteFile removes an object. Deleting a missing object isn't an
	// error.
	DeleteFile(ctx context.Context, bucket string, filePath string) error
	// GetFile returns the object content. A missing object yields an
	// errorsx.ErrNotFound error.
	GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error)
	FileExists(ctx context.Context, bucket string, filePath string) (bool, error)
}
