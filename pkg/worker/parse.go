package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/pipeline"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const parseFileActivityError = "ParseFileActivity"

// ParseFileWorkflowParam defines the parameters for ParseFileWorkflow
type ParseFileWorkflowParam struct {
	JobID   types.JobIDType
	FileUID types.FileUIDType
	// Sources are the blobs the text is extracted from. The derived text is
	// stored next to the first one.
	Sources     []types.BlobRef
	CallbackURL string
}

// ParseFileWorkflow extracts the text of a file and reports it parsed.
func (w *Worker) ParseFileWorkflow(ctx workflow.Context, param ParseFileWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting ParseFileWorkflow",
		"jobID", param.JobID,
		"fileUID", param.FileUID.String(),
		"sources", len(param.Sources))

	taskCtx := workflow.WithActivityOptions(ctx, w.taskActivityOptions())
	err := workflow.ExecuteActivity(taskCtx, w.ParseFileActivity, &ParseFileActivityParam{
		FileUID:     param.FileUID,
		Sources:     param.Sources,
		CallbackURL: param.CallbackURL,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to parse file", "error", err)
		return err
	}

	notifyCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())
	err = workflow.ExecuteActivity(notifyCtx, w.NotifyTerminalActivity, &NotifyTerminalActivityParam{
		JobID:       param.JobID,
		FileUIDs:    []types.FileUIDType{param.FileUID},
		Status:      types.FileStatusParsed,
		CallbackURL: param.CallbackURL,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to report parsed file", "error", err)
		return err
	}

	logger.Info("ParseFileWorkflow completed", "fileUID", param.FileUID.String())
	return nil
}

// ParseFileActivityParam defines the parameters for ParseFileActivity
type ParseFileActivityParam struct {
	FileUID     types.FileUIDType
	Sources     []types.BlobRef
	CallbackURL string
}

// ParseFileActivity extracts the pages of the sources and stores them as a
// JSON array. The chunk cache of the file is invalidated.
func (w *Worker) ParseFileActivity(ctx context.Context, param *ParseFileActivityParam) error {
	logger := w.log.With(zap.String("fileUID", param.FileUID.String()))
	logger.Info("ParseFileActivity: Extracting text", zap.Int("sources", len(param.Sources)))

	if len(param.Sources) == 0 {
		err := errorsx.AddMessage(
			fmt.Errorf("no source to parse: %w", errorsx.ErrInvalidArgument),
			"The file has no content to parse.",
		)
		return activityError(err, parseFileActivityError)
	}

	w.notifyProgress(ctx, param.CallbackURL, types.TaskKindParse, param.FileUID, 1)

	storage := w.repository.GetObjectStorage()
	sources := make([]pipeline.Source, len(param.Sources))
	for i, ref := range param.Sources {
		content, err := storage.GetFile(ctx, ref.Bucket, ref.Key)
		if err != nil {
			err = errorsx.AddMessage(
				fmt.Errorf("fetching source %s: %w", ref.Key, err),
				"Unable to read the uploaded file. Please try again.",
			)
			return activityError(err, parseFileActivityError)
		}
		sources[i] = pipeline.Source{Name: ref.Name, ContentType: ref.ContentType, Content: content}
	}

	pages, err := pipeline.ExtractPages(ctx, sources, w.cfg.ParseConcurrency, func(completed, total int) {
		activity.RecordHeartbeat(ctx, completed)
		w.notifyProgress(ctx, param.CallbackURL, types.TaskKindParse, param.FileUID, float64(completed)*100/float64(total))
	})
	if err != nil {
		return activityError(err, parseFileActivityError)
	}

	b, err := json.Marshal(pages)
	if err != nil {
		return activityError(fmt.Errorf("marshalling pages: %w", err), parseFileActivityError)
	}

	primary := param.Sources[0]
	if err := storage.UploadFile(ctx, primary.Bucket, object.ParsedTextPath(primary.Key), b, "application/json"); err != nil {
		err = errorsx.AddMessage(
			fmt.Errorf("storing parsed text: %w", err),
			"Unable to store the extracted text. Please try again.",
		)
		return activityError(err, parseFileActivityError)
	}

	// The cached chunks were computed from the previous text.
	if err := storage.DeleteFile(ctx, primary.Bucket, object.ChunkCachePath(primary.Key)); err != nil {
		return activityError(fmt.Errorf("invalidating chunk cache: %w", err), parseFileActivityError)
	}

	logger.Info("ParseFileActivity: Text extracted", zap.Int("pages", len(pages)))
	return nil
}
