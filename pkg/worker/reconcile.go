package worker

import (
	"context"
	"errors"

	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const reconcileFailedJobActivityError = "ReconcileFailedJobActivity"

// ReconcileFailedJobActivityName is the registered name of
// ReconcileFailedJobActivity. The interceptor has no Worker to reference it.
const ReconcileFailedJobActivityName = "ReconcileFailedJobActivity"

// ReconcileFailedJobActivityParam defines the parameters for
// ReconcileFailedJobActivity
type ReconcileFailedJobActivityParam struct {
	JobID  types.JobIDType
	Reason string
}

// ReconcileFailedJobActivity settles the files left claimed by a failed job.
func (w *Worker) ReconcileFailedJobActivity(ctx context.Context, param *ReconcileFailedJobActivityParam) error {
	if err := w.OnJobFailed(ctx, param.JobID, param.Reason); err != nil {
		return activityError(err, reconcileFailedJobActivityError)
	}
	return nil
}

// OnJobFailed moves the files claimed by jobID to the failure status of the
// claimed stage and announces the change. Running it twice is harmless: the
// second run finds no claim.
func (w *Worker) OnJobFailed(ctx context.Context, jobID types.JobIDType, reason string) error {
	logger := w.log.With(zap.String("jobID", jobID))

	changed, err := w.repository.FailClaimedTask(ctx, jobID, reason)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		logger.Debug("No claim left by failed job")
		return nil
	}
	logger.Warn("Failed job reconciled", zap.Int("files", len(changed)), zap.String("reason", reason))

	byStatus := map[types.FileStatus][]types.FileUIDType{}
	var order []types.FileStatus
	for _, f := range changed {
		if _, ok := byStatus[f.Status]; !ok {
			order = append(order, f.Status)
		}
		byStatus[f.Status] = append(byStatus[f.Status], f.UID)
	}

	// The files are already settled, a lost event only delays the observers
	// until their next read.
	for _, status := range order {
		ev, err := notification.NewEvent(notification.EventTypeStatusChange, notification.StatusChange{
			EntityIDs: byStatus[status],
			Status:    status,
			TaskID:    jobID,
		})
		if err == nil {
			err = w.sender.Send(ctx, w.cfg.CallbackURL, ev)
		}
		if err != nil {
			logger.Error("Couldn't post reconciled status", zap.String("status", string(status)), zap.Error(err))
		}
	}

	return nil
}

// NewReconcileInterceptor returns a worker interceptor that runs
// ReconcileFailedJobActivity whenever a workflow returns an error, including
// timeouts and cancellations.
func NewReconcileInterceptor() interceptor.WorkerInterceptor {
	return &reconcileInterceptor{}
}

type reconcileInterceptor struct {
	interceptor.WorkerInterceptorBase
}

func (*reconcileInterceptor) InterceptWorkflow(_ workflow.Context, next interceptor.WorkflowInboundInterceptor) interceptor.WorkflowInboundInterceptor {
	i := &reconcileWorkflowInterceptor{}
	i.Next = next
	return i
}

type reconcileWorkflowInterceptor struct {
	interceptor.WorkflowInboundInterceptorBase
}

func (i *reconcileWorkflowInterceptor) ExecuteWorkflow(ctx workflow.Context, in *interceptor.ExecuteWorkflowInput) (any, error) {
	result, err := i.Next.ExecuteWorkflow(ctx, in)
	if err == nil {
		return result, nil
	}

	info := workflow.GetInfo(ctx)
	logger := workflow.GetLogger(ctx)
	logger.Warn("Workflow failed, reconciling claims",
		"workflowType", info.WorkflowType.Name,
		"jobID", info.WorkflowExecution.ID,
		"error", err)

	// The workflow context may be cancelled already.
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	dctx = workflow.WithActivityOptions(dctx, standardActivityOptions())

	param := &ReconcileFailedJobActivityParam{
		JobID:  info.WorkflowExecution.ID,
		Reason: failureReason(err),
	}
	if rerr := workflow.ExecuteActivity(dctx, ReconcileFailedJobActivityName, param).Get(dctx, nil); rerr != nil {
		logger.Error("Failed to reconcile claims", "jobID", param.JobID, "error", rerr)
	}

	return result, err
}

// failureReason returns the message stored on the failed files.
func failureReason(err error) string {
	switch {
	case temporal.IsTimeoutError(err):
		return "task time limit exceeded"
	case temporal.IsCanceledError(err):
		return "task cancelled"
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return errorsx.MessageOrErr(err)
}
