package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/pipeline"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const indexFileActivityError = "IndexFileActivity"

// Progress milestones of the index stage.
const (
	indexProgressStarted  = 1
	indexProgressCleared  = 10
	indexProgressEmbedded = 60
	indexProgressDone     = 100
)

// IndexFileWorkflowParam defines the parameters for IndexFileWorkflow
type IndexFileWorkflowParam struct {
	JobID      types.JobIDType
	FileUID    types.FileUIDType
	Collection string
	// Bucket and ObjectKey address the source file. The derived text and
	// the chunk cache are found next to it.
	Bucket      string
	ObjectKey   string
	CallbackURL string
}

// IndexFileWorkflow chunks and embeds the derived text of a file and reports
// it indexed.
func (w *Worker) IndexFileWorkflow(ctx workflow.Context, param IndexFileWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting IndexFileWorkflow",
		"jobID", param.JobID,
		"fileUID", param.FileUID.String(),
		"collection", param.Collection)

	taskCtx := workflow.WithActivityOptions(ctx, w.taskActivityOptions())
	err := workflow.ExecuteActivity(taskCtx, w.IndexFileActivity, &IndexFileActivityParam{
		FileUID:     param.FileUID,
		Collection:  param.Collection,
		Bucket:      param.Bucket,
		ObjectKey:   param.ObjectKey,
		CallbackURL: param.CallbackURL,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to index file", "error", err)
		return err
	}

	notifyCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())
	err = workflow.ExecuteActivity(notifyCtx, w.NotifyTerminalActivity, &NotifyTerminalActivityParam{
		JobID:       param.JobID,
		FileUIDs:    []types.FileUIDType{param.FileUID},
		Status:      types.FileStatusIndexed,
		CallbackURL: param.CallbackURL,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to report indexed file", "error", err)
		return err
	}

	logger.Info("IndexFileWorkflow completed", "fileUID", param.FileUID.String())
	return nil
}

// IndexFileActivityParam defines the parameters for IndexFileActivity
type IndexFileActivityParam struct {
	FileUID     types.FileUIDType
	Collection  string
	Bucket      string
	ObjectKey   string
	CallbackURL string
}

// IndexFileActivity replaces the vectors of a file in its collection.
// Vector writes happen under the file lock so that two index jobs of the
// same file never interleave their delete and insert steps.
func (w *Worker) IndexFileActivity(ctx context.Context, param *IndexFileActivityParam) error {
	logger := w.log.With(zap.String("fileUID", param.FileUID.String()), zap.String("collection", param.Collection))
	logger.Info("IndexFileActivity: Indexing file")

	// The vectors computed here reflect the current text.
	ev, err := notification.NewEvent(notification.EventTypeRevisionFlag, notification.RevisionFlag{
		EntityIDs: []types.FileUIDType{param.FileUID},
		Flag:      false,
	})
	if err == nil {
		err = w.sender.Send(ctx, param.CallbackURL, ev)
	}
	if err != nil {
		logger.Warn("Couldn't clear revision flag", zap.Error(err))
	}

	w.notifyProgress(ctx, param.CallbackURL, types.TaskKindIndex, param.FileUID, indexProgressStarted)

	chunks, err := w.loadChunks(ctx, param.Bucket, param.ObjectKey)
	if err != nil {
		return activityError(err, indexFileActivityError)
	}
	activity.RecordHeartbeat(ctx, "chunked")

	if err := w.writeVectors(ctx, param, chunks); err != nil {
		return activityError(err, indexFileActivityError)
	}

	w.notifyProgress(ctx, param.CallbackURL, types.TaskKindIndex, param.FileUID, indexProgressDone)
	logger.Info("IndexFileActivity: File indexed", zap.Int("chunks", len(chunks)))
	return nil
}

// loadChunks reads the chunk cache of a file, or chunks its derived text and
// fills the cache.
func (w *Worker) loadChunks(ctx context.Context, bucket, key string) ([]pipeline.TextChunk, error) {
	storage := w.repository.GetObjectStorage()

	cached, err := storage.GetFile(ctx, bucket, object.ChunkCachePath(key))
	switch {
	case err == nil:
		var chunks []pipeline.TextChunk
		if err := json.Unmarshal(cached, &chunks); err == nil {
			return chunks, nil
		}
		w.log.Warn("Ignoring malformed chunk cache", zap.String("key", key))
	case !errors.Is(err, errorsx.ErrNotFound):
		return nil, fmt.Errorf("reading chunk cache: %w", err)
	}

	b, err := storage.GetFile(ctx, bucket, object.ParsedTextPath(key))
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return nil, errorsx.AddMessage(
				fmt.Errorf("file has no parsed text: %w: %w", errorsx.ErrInvalidArgument, err),
				"The file must be parsed before it is indexed.",
			)
		}
		return nil, fmt.Errorf("reading parsed text: %w", err)
	}

	var pages []string
	if err := json.Unmarshal(b, &pages); err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("decoding parsed text: %w: %w", errorsx.ErrInvalidArgument, err),
			"The extracted text is corrupted. Please parse the file again.",
		)
	}

	chunker, err := pipeline.NewChunker(w.cfg.ChunkSize, w.cfg.ChunkOverlap, w.cfg.ChunkLen)
	if err != nil {
		return nil, err
	}
	chunks, err := chunker.ChunkPages(pages)
	if err != nil {
		return nil, err
	}

	cache, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("marshalling chunks: %w", err)
	}
	if err := storage.UploadFile(ctx, bucket, object.ChunkCachePath(key), cache, "application/json"); err != nil {
		return nil, fmt.Errorf("storing chunk cache: %w", err)
	}

	return chunks, nil
}

// lockFile waits for the lock of a file. Another index job of the file can
// hold it for long, so the wait keeps the activity alive.
func (w *Worker) lockFile(ctx context.Context, uid types.FileUIDType) (func(), error) {
	stop := w.keepAlive(ctx, "waiting for file lock")
	defer stop()
	return w.repository.LockFile(ctx, uid, fileLockTTL)
}

func (w *Worker) writeVectors(ctx context.Context, param *IndexFileActivityParam, chunks []pipeline.TextChunk) error {
	unlock, err := w.lockFile(ctx, param.FileUID)
	if err != nil {
		return err
	}
	defer unlock()

	// The first call initializes the shared embedder.
	stop := w.keepAlive(ctx, "loading embedder")
	embedder, err := w.embedder(ctx)
	stop()
	if err != nil {
		return err
	}

	collection := constant.CollectionName(param.Collection)
	exists, err := w.repository.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if !exists {
		if err := w.repository.CreateCollection(ctx, collection, embedder.Dimensionality()); err != nil {
			return err
		}
	}

	if err := w.repository.DeleteEmbeddingsWithFileUID(ctx, collection, param.FileUID); err != nil {
		return err
	}
	w.notifyProgress(ctx, param.CallbackURL, types.TaskKindIndex, param.FileUID, indexProgressCleared)

	embeddings := make([]repository.VectorEmbedding, 0, len(chunks))
	for start := 0; start < len(chunks); start += EmbeddingBatchSize {
		batch := chunks[start:min(start+EmbeddingBatchSize, len(chunks))]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := ai.EmbedTexts(ctx, embedder, texts, ai.TaskTypeRetrievalDocument)
		if err != nil {
			return err
		}

		for i, c := range batch {
			uid, err := uuid.NewV4()
			if err != nil {
				return fmt.Errorf("generating embedding UID: %w", err)
			}
			embeddings = append(embeddings, repository.VectorEmbedding{
				EmbeddingUID: uid.String(),
				FileUID:      param.FileUID,
				ChunkIndex:   int64(c.Index),
				Text:         c.Text,
				Vector:       vectors[i],
			})
		}

		activity.RecordHeartbeat(ctx, len(embeddings))
		if done := len(embeddings); done < len(chunks) {
			pct := indexProgressCleared + float64(done)*(indexProgressEmbedded-indexProgressCleared)/float64(len(chunks))
			w.notifyProgress(ctx, param.CallbackURL, types.TaskKindIndex, param.FileUID, pct)
		}
	}
	w.notifyProgress(ctx, param.CallbackURL, types.TaskKindIndex, param.FileUID, indexProgressEmbedded)

	if len(embeddings) > 0 {
		if err := w.repository.InsertVectorsInCollection(ctx, collection, embeddings); err != nil {
			return err
		}
		if err := w.repository.FlushCollection(ctx, collection); err != nil {
			return err
		}
	}

	return nil
}
