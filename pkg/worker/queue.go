package worker

import (
	"context"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Workflow type names, as registered by Register. The API process starts
// workflows by name, it doesn't hold a Worker.
const (
	ParseFileWorkflowName  = "ParseFileWorkflow"
	IndexFileWorkflowName  = "IndexFileWorkflow"
	ResetIndexWorkflowName = "ResetIndexWorkflow"
)

// WorkflowStarter is the subset of the Temporal client used to enqueue jobs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
}

// Queue hands pipeline jobs to the Temporal workers. The job ID becomes the
// workflow ID, so the failure reconciler can find the claims of a workflow.
type Queue struct {
	temporalClient WorkflowStarter
}

// NewQueue creates a task queue backed by Temporal.
func NewQueue(temporalClient WorkflowStarter) *Queue {
	return &Queue{temporalClient: temporalClient}
}

// Enqueue starts the workflow of a job.
func (q *Queue) Enqueue(ctx context.Context, job types.Job) (types.JobIDType, error) {
	var (
		name string
		arg  any
	)
	switch job.Kind {
	case types.TaskKindParse:
		name = ParseFileWorkflowName
		arg = ParseFileWorkflowParam{
			JobID:       job.ID,
			FileUID:     job.FileUID,
			Sources:     []types.BlobRef{job.Source},
			CallbackURL: job.CallbackURL,
		}
	case types.TaskKindIndex:
		name = IndexFileWorkflowName
		arg = IndexFileWorkflowParam{
			JobID:       job.ID,
			FileUID:     job.FileUID,
			Collection:  job.Collection,
			Bucket:      job.Source.Bucket,
			ObjectKey:   job.Source.Key,
			CallbackURL: job.CallbackURL,
		}
	case types.TaskKindResetIndex:
		name = ResetIndexWorkflowName
		arg = ResetIndexWorkflowParam{
			JobID:      job.ID,
			Collection: job.Collection,
		}
	default:
		return "", fmt.Errorf("enqueueing job of kind %q: %w", job.Kind, errorsx.ErrInvalidArgument)
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:                    job.ID,
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}

	run, err := q.temporalClient.ExecuteWorkflow(ctx, workflowOptions, name, arg)
	if err != nil {
		return "", fmt.Errorf("starting %s: %w", name, err)
	}
	return run.GetID(), nil
}
