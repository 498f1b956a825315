package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

const notifyTerminalActivityError = "NotifyTerminalActivity"

// NotifyTerminalActivityParam defines the parameters for
// NotifyTerminalActivity
type NotifyTerminalActivityParam struct {
	JobID       types.JobIDType
	FileUIDs    []types.FileUIDType
	Status      types.FileStatus
	CallbackURL string
}

// NotifyTerminalActivity reports the final status of the files of a job.
// The event carries the job ID so that it only applies to files the job
// still owns. It fails until the notification channel accepts it.
func (w *Worker) NotifyTerminalActivity(ctx context.Context, param *NotifyTerminalActivityParam) error {
	ev, err := notification.NewEvent(notification.EventTypeStatusChange, notification.StatusChange{
		EntityIDs: param.FileUIDs,
		Status:    param.Status,
		TaskID:    param.JobID,
	})
	if err != nil {
		return activityError(err, notifyTerminalActivityError)
	}

	if err := w.sender.Send(ctx, param.CallbackURL, ev); err != nil {
		return activityError(fmt.Errorf("posting %s status: %w", param.Status, err), notifyTerminalActivityError)
	}

	w.log.Info("NotifyTerminalActivity: Status posted",
		zap.String("jobID", param.JobID),
		zap.String("status", string(param.Status)),
		zap.Int("files", len(param.FileUIDs)))
	return nil
}
