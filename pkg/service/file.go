package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/pipeline"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"

	domainerrors "github.com/instill-ai/docflow-backend/pkg/errors"
)

// CreateFileParam holds the data of an uploaded file.
type CreateFileParam struct {
	Name        string
	Collection  string
	ContentType string
	Content     []byte
}

func (s *service) CreateFile(ctx context.Context, p CreateFileParam) (*repository.FileModel, error) {
	logger, _ := logx.GetZapLogger(ctx)

	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.Name == "":
		return nil, errorsx.AddMessage(fmt.Errorf("empty file name: %w", errorsx.ErrInvalidArgument), "File name is required.")
	case p.Collection == "":
		return nil, errorsx.AddMessage(fmt.Errorf("empty collection: %w", errorsx.ErrInvalidArgument), "Collection is required.")
	case len(p.Content) == 0:
		return nil, errorsx.AddMessage(fmt.Errorf("empty file: %w", errorsx.ErrInvalidArgument), "The uploaded file is empty.")
	}
	if _, err := pipeline.DetectDocumentType(p.ContentType, p.Name); err != nil {
		return nil, err
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating file UID: %w", err)
	}

	storage := s.repository.GetObjectStorage()
	key := object.SourceFilePath(uid, p.Name)
	if err := storage.UploadFile(ctx, s.cfg.Bucket, key, p.Content, p.ContentType); err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("uploading file: %w", err),
			"Unable to store the file. Please try again.",
		)
	}

	f, err := s.repository.CreateFile(ctx, repository.FileModel{
		UID:         uid,
		Name:        p.Name,
		Collection:  p.Collection,
		Bucket:      s.cfg.Bucket,
		StorageKey:  key,
		ContentType: p.ContentType,
	})
	if err != nil {
		if derr := storage.DeleteFile(context.WithoutCancel(ctx), s.cfg.Bucket, key); derr != nil {
			logger.Error("Couldn't delete orphan blob", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}

	if !s.cfg.ParseAfterUpload {
		return f, nil
	}

	// The upload succeeded, a failed dispatch can be retried by the client.
	if _, err := s.Dispatch(ctx, f.UID, types.TaskKindParse); err != nil {
		logger.Warn("Couldn't dispatch parse after upload", zap.String("fileUID", f.UID.String()), zap.Error(err))
	}
	return s.repository.GetFile(ctx, f.UID)
}

func (s *service) GetFile(ctx context.Context, fileUID types.FileUIDType) (*repository.FileModel, error) {
	return s.repository.GetFile(ctx, fileUID)
}

func (s *service) ListFiles(ctx context.Context, collection string) ([]repository.FileModel, error) {
	return s.repository.ListFiles(ctx, collection)
}

// ReviseParsedText doesn't take a claim: a job dispatched while the text is
// being written reads either version.
func (s *service) ReviseParsedText(ctx context.Context, fileUID types.FileUIDType, pages []string) (*repository.FileModel, error) {
	f, err := s.repository.GetFile(ctx, fileUID)
	if err != nil {
		return nil, err
	}
	if f.ClaimedTaskID != nil {
		return nil, domainerrors.ErrClaimed
	}
	if f.Status != types.FileStatusParsed && f.Status != types.FileStatusIndexed {
		return nil, errorsx.AddMessage(
			fmt.Errorf("revising text of %s file: %w", f.Status, domainerrors.ErrInvalidTransition),
			"Only parsed files can be revised.",
		)
	}
	if len(pages) == 0 {
		return nil, errorsx.AddMessage(fmt.Errorf("no pages: %w", errorsx.ErrInvalidArgument), "The revised text is empty.")
	}

	b, err := json.Marshal(pages)
	if err != nil {
		return nil, fmt.Errorf("marshalling pages: %w", err)
	}

	storage := s.repository.GetObjectStorage()
	if err := storage.UploadFile(ctx, f.Bucket, object.ParsedTextPath(f.StorageKey), b, "application/json"); err != nil {
		return nil, fmt.Errorf("storing revised text: %w", err)
	}
	if err := storage.DeleteFile(ctx, f.Bucket, object.ChunkCachePath(f.StorageKey)); err != nil {
		return nil, fmt.Errorf("invalidating chunk cache: %w", err)
	}

	if _, err := s.repository.SetFileIndexStale(ctx, []types.FileUIDType{fileUID}, true); err != nil {
		return nil, err
	}
	s.publish(ctx, func() (notification.Event, error) {
		return notification.NewEvent(notification.EventTypeRevisionFlag, notification.RevisionFlag{
			EntityIDs: []types.FileUIDType{fileUID},
			Flag:      true,
		})
	})

	return s.repository.GetFile(ctx, fileUID)
}

// DeleteFile removes a file without in-flight task. The derived artifacts
// are cleaned up on a best-effort basis.
func (s *service) DeleteFile(ctx context.Context, fileUID types.FileUIDType) error {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("fileUID", fileUID.String()))

	f, err := s.repository.GetFile(ctx, fileUID)
	if err != nil {
		return err
	}
	if err := s.repository.DeleteFile(ctx, fileUID); err != nil {
		return err
	}

	if err := s.repository.DeleteEmbeddingsWithFileUID(ctx, constant.CollectionName(f.Collection), fileUID); err != nil {
		logger.Error("Couldn't delete file embeddings", zap.Error(err))
	}

	storage := s.repository.GetObjectStorage()
	for _, key := range []string{
		f.StorageKey,
		object.ParsedTextPath(f.StorageKey),
		object.ChunkCachePath(f.StorageKey),
	} {
		if err := storage.DeleteFile(ctx, f.Bucket, key); err != nil {
			logger.Error("Couldn't delete file blob", zap.String("key", key), zap.Error(err))
		}
	}

	return nil
}
