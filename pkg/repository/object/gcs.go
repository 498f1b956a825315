package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

// gcsStorage implements Storage interface for Google Cloud Storage
type gcsStorage struct {
	client *storage.Client
	logger *zap.Logger
}

// GCSConfig holds GCS storage configuration
type GCSConfig struct {
	ProjectID         string
	ServiceAccountKey string // JSON string
}

// NewGCSStorage creates a new object.Storage implementation using GCS
func NewGCSStorage(ctx context.Context, config GCSConfig) (Storage, error) {
	var opts []option.ClientOption
	if config.ServiceAccountKey != "" {
		saKeyBytes := []byte(config.ServiceAccountKey)

		// The service account key might be wrapped in a Vault response
		// structure (data.data).
		var keyData map[string]any
		if err := json.Unmarshal(saKeyBytes, &keyData); err == nil {
			if data, ok := keyData["data"].(map[string]any); ok {
				if innerData, ok := data["data"].(map[string]any); ok {
					actualKey, err := json.Marshal(innerData)
					if err != nil {
						return nil, errorsx.AddMessage(
							fmt.Errorf("failed to marshal service account key: %w", err),
							"Unable to process service account credentials.",
						)
					}
					saKeyBytes = actualKey
				}
			}
		}

		opts = append(opts, option.WithCredentialsJSON(saKeyBytes))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(
		zap.String("storage", "gcs"),
		zap.String("project", config.ProjectID))

	return &gcsStorage{
		client: client,
		logger: logger,
	}, nil
}

// UploadFile implements object.Storage.UploadFile
func (g *gcsStorage) UploadFile(ctx context.Context, bucketName string, objectPath string, content []byte, mimeType string) error {
	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	writer := g.client.Bucket(bucketName).Object(objectPath).NewWriter(uploadCtx)
	writer.ContentType = mimeType
	writer.Metadata = map[string]string{
		"upload_time": time.Now().Format(time.RFC3339),
		"source":      "docflow-backend",
	}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return errorsx.AddMessage(
			fmt.Errorf("failed to write to GCS: %w", err),
			"Unable to upload file to GCS. Please try again.",
		)
	}

	if err := writer.Close(); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("failed to finalize GCS upload: %w", err),
			"Unable to complete file upload to GCS. Please try again.",
		)
	}

	g.logger.Debug("File uploaded to GCS successfully",
		zap.String("bucket", bucketName),
		zap.String("path", objectPath))

	return nil
}

// DeleteFile implements object.Storage.DeleteFile
func (g *gcsStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	err := g.client.Bucket(bucket).Object(filePath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errorsx.AddMessage(
			fmt.Errorf("failed to delete GCS object: %w", err),
			"Unable to delete file from GCS.",
		)
	}
	return nil
}

// GetFile implements object.Storage.GetFile
func (g *gcsStorage) GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error) {
	reader, err := g.client.Bucket(bucket).Object(filePath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, filePath, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return content, nil
}

// FileExists implements object.Storage.FileExists
func (g *gcsStorage) FileExists(ctx context.Context, bucket string, filePath string) (bool, error) {
	_, err := g.client.Bucket(bucket).Object(filePath).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat GCS object: %w", err)
}
