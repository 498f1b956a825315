package object

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	errorsx "github.com/instill-ai/x/errors"
)

// MinIOConfig holds the MinIO connection parameters.
type MinIOConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Secure   bool
	// Bucket is created at start-up if it doesn't exist.
	Bucket string
}

type minioStorage struct {
	client *minio.Client
	logger *zap.Logger
}

const minioMaxAttempts = 3

// NewMinIOStorage creates a new object.Storage implementation using MinIO
func NewMinIOStorage(ctx context.Context, cfg MinIOConfig, logger *zap.Logger) (Storage, error) {
	logger = logger.With(
		zap.String("host:port", cfg.Host+":"+cfg.Port),
		zap.String("user", cfg.User),
	)

	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Password, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	log := logger.With(zap.String("bucket", cfg.Bucket))
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		log.Info("Successfully created bucket")
	} else {
		log.Info("Bucket already exists")
	}

	return &minioStorage{
		client: client,
		logger: logger,
	}, nil
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// UploadFile implements object.Storage.UploadFile
func (m *minioStorage) UploadFile(ctx context.Context, bucket string, filePathName string, content []byte, fileMimeType string) error {
	var err error
	for attempt := 1; attempt <= minioMaxAttempts; attempt++ {
		// Readers can only be consumed once.
		_, err = m.client.PutObject(
			ctx,
			bucket,
			filePathName,
			bytes.NewReader(content),
			int64(len(content)),
			minio.PutObjectOptions{ContentType: fileMimeType},
		)
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to upload file to MinIO, retrying...",
			zap.String("filePathName", filePathName),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("uploading file to MinIO: %w", err)
}

// DeleteFile implements object.Storage.DeleteFile
func (m *minioStorage) DeleteFile(ctx context.Context, bucket string, filePathName string) error {
	var err error
	for attempt := 1; attempt <= minioMaxAttempts; attempt++ {
		// RemoveObject succeeds on missing keys.
		err = m.client.RemoveObject(ctx, bucket, filePathName, minio.RemoveObjectOptions{})
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to delete file from MinIO, retrying...",
			zap.String("filePathName", filePathName),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("deleting file from MinIO: %w", err)
}

// GetFile implements object.Storage.GetFile
func (m *minioStorage) GetFile(ctx context.Context, bucket string, filePathName string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= minioMaxAttempts; attempt++ {
		content, err := m.readObject(ctx, bucket, filePathName)
		if err == nil {
			return content, nil
		}
		if isMinIONotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, filePathName, errorsx.ErrNotFound)
		}
		lastErr = err
		m.logger.Error("Failed to get file from MinIO, retrying...",
			zap.String("filePathName", filePathName),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return nil, fmt.Errorf("getting file from MinIO: %w", lastErr)
}

func (m *minioStorage) readObject(ctx context.Context, bucket, filePathName string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, bucket, filePathName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(object); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileExists implements object.Storage.FileExists
func (m *minioStorage) FileExists(ctx context.Context, bucket string, filePathName string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, filePathName, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinIONotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence: %w", err)
}
