package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"

	domainerrors "github.com/instill-ai/docflow-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

// DispatchResult is the outcome of dispatching a job for a file.
type DispatchResult struct {
	FileUID types.FileUIDType
	JobID   types.JobIDType
	Err     error
}

// Dispatch claims the file first and enqueues the job afterwards. If the
// process dies in between, the file keeps a claim no job will release; such
// claims are found by the claims sweep and released with ForceClearClaim.
func (s *service) Dispatch(ctx context.Context, fileUID types.FileUIDType, kind types.TaskKind) (types.JobIDType, error) {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("fileUID", fileUID.String()), zap.String("kind", string(kind)))

	if !kind.IsValid() {
		return "", errorsx.AddMessage(
			fmt.Errorf("dispatching task of kind %q: %w", kind, errorsx.ErrInvalidArgument),
			"Unsupported pipeline stage.",
		)
	}

	f, err := s.repository.GetFile(ctx, fileUID)
	if err != nil {
		return "", err
	}

	jobID, err := types.NewJobID(kind)
	if err != nil {
		return "", err
	}

	if err := s.repository.ClaimFileTask(ctx, fileUID, kind, jobID); err != nil {
		return "", err
	}

	job := types.Job{
		ID:         jobID,
		Kind:       kind,
		FileUID:    fileUID,
		Collection: f.Collection,
		Source: types.BlobRef{
			Bucket:      f.Bucket,
			Key:         f.StorageKey,
			Name:        f.Name,
			ContentType: f.ContentType,
		},
		CallbackURL: s.cfg.CallbackURL,
	}

	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		logger.Error("Couldn't enqueue job, releasing claim", zap.String("jobID", jobID), zap.Error(err))

		// The claim must be released even if the request is gone.
		changed, ferr := s.repository.FailClaimedTask(context.WithoutCancel(ctx), jobID, "enqueue failed")
		if ferr != nil {
			logger.Error("Couldn't release claim", zap.String("jobID", jobID), zap.Error(ferr))
		}
		s.publishStatusChanges(ctx, changed)

		return "", errorsx.AddMessage(
			fmt.Errorf("enqueueing %s job: %w", kind, err),
			"Unable to schedule the file processing. Please try again.",
		)
	}

	logger.Info("Job dispatched", zap.String("jobID", jobID))
	s.publish(ctx, func() (notification.Event, error) {
		return notification.NewProgressEvent(kind, fileUID, 0)
	})

	return jobID, nil
}

func (s *service) DispatchBatch(ctx context.Context, fileUIDs []types.FileUIDType, kind types.TaskKind) []DispatchResult {
	results := make([]DispatchResult, len(fileUIDs))
	for i, uid := range fileUIDs {
		jobID, err := s.Dispatch(ctx, uid, kind)
		results[i] = DispatchResult{FileUID: uid, JobID: jobID, Err: err}
	}
	return results
}

func (s *service) ForceClearClaim(ctx context.Context, fileUID types.FileUIDType, jobID types.JobIDType) (*repository.FileModel, error) {
	logger, _ := logx.GetZapLogger(ctx)

	f, cleared, err := s.repository.ForceClearFileClaim(ctx, fileUID, jobID)
	if err != nil {
		return nil, err
	}
	if !cleared {
		if jobID != "" && f.ClaimedTaskID != nil && *f.ClaimedTaskID != jobID {
			return nil, errorsx.AddMessage(
				fmt.Errorf("file claimed by job %s, not %s: %w", *f.ClaimedTaskID, jobID, domainerrors.ErrClaimed),
				"The file is claimed by a different job.",
			)
		}
		return f, nil
	}

	logger.Warn("Task claim cleared",
		zap.String("fileUID", fileUID.String()),
		zap.String("status", string(f.Status)))
	s.publishStatusChanges(ctx, []repository.FileModel{*f})

	return f, nil
}

func (s *service) ResetCollection(ctx context.Context, collection string) (types.JobIDType, error) {
	if collection == "" {
		return "", errorsx.AddMessage(
			fmt.Errorf("empty collection: %w", errorsx.ErrInvalidArgument),
			"Collection is required.",
		)
	}

	jobID, err := types.NewJobID(types.TaskKindResetIndex)
	if err != nil {
		return "", err
	}

	job := types.Job{
		ID:          jobID,
		Kind:        types.TaskKindResetIndex,
		Collection:  collection,
		CallbackURL: s.cfg.CallbackURL,
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		return "", errorsx.AddMessage(
			fmt.Errorf("enqueueing reset job: %w", err),
			"Unable to schedule the index reset. Please try again.",
		)
	}

	// The indexed files lose their vectors.
	files, err := s.repository.ListFiles(ctx, collection)
	if err != nil {
		return jobID, err
	}
	var stale []types.FileUIDType
	for _, f := range files {
		if f.Status == types.FileStatusIndexed && !f.IndexStale {
			stale = append(stale, f.UID)
		}
	}
	if len(stale) > 0 {
		if _, err := s.repository.SetFileIndexStale(ctx, stale, true); err != nil {
			return jobID, err
		}
		s.publish(ctx, func() (notification.Event, error) {
			return notification.NewEvent(notification.EventTypeRevisionFlag, notification.RevisionFlag{EntityIDs: stale, Flag: true})
		})
	}

	return jobID, nil
}

// publishStatusChanges announces the new status of files, one event per
// status.
func (s *service) publishStatusChanges(ctx context.Context, files []repository.FileModel) {
	byStatus := map[types.FileStatus][]types.FileUIDType{}
	var order []types.FileStatus
	for _, f := range files {
		if _, ok := byStatus[f.Status]; !ok {
			order = append(order, f.Status)
		}
		byStatus[f.Status] = append(byStatus[f.Status], f.UID)
	}

	for _, status := range order {
		s.publish(ctx, func() (notification.Event, error) {
			return notification.NewEvent(notification.EventTypeStatusChange, notification.StatusChange{
				EntityIDs: byStatus[status],
				Status:    status,
			})
		})
	}
}

// publish sends an event to the live clients. Failures are only logged:
// clients recover the state by reading the file.
func (s *service) publish(ctx context.Context, build func() (notification.Event, error)) {
	logger, _ := logx.GetZapLogger(ctx)

	ev, err := build()
	if err != nil {
		logger.Error("Couldn't build event", zap.Error(err))
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Couldn't marshal event", zap.Error(err))
		return
	}
	s.publishRaw(ctx, msg)
}

func (s *service) publishRaw(ctx context.Context, msg []byte) {
	if err := s.publisher.Publish(ctx, msg); err != nil {
		logger, _ := logx.GetZapLogger(ctx)
		logger.Error("Couldn't broadcast event", zap.Error(err))
	}
}
