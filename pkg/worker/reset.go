package worker

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const resetIndexActivityError = "ResetIndexActivity"

// ResetIndexWorkflowParam defines the parameters for ResetIndexWorkflow
type ResetIndexWorkflowParam struct {
	JobID      types.JobIDType
	Collection string
}

// ResetIndexWorkflow empties the vector index of a collection. It claims no
// file.
func (w *Worker) ResetIndexWorkflow(ctx workflow.Context, param ResetIndexWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting ResetIndexWorkflow", "jobID", param.JobID, "collection", param.Collection)

	ctx = workflow.WithActivityOptions(ctx, standardActivityOptions())
	if err := workflow.ExecuteActivity(ctx, w.ResetIndexActivity, &ResetIndexActivityParam{
		Collection: param.Collection,
	}).Get(ctx, nil); err != nil {
		logger.Error("Failed to reset index", "error", err)
		return err
	}

	return nil
}

// ResetIndexActivityParam defines the parameters for ResetIndexActivity
type ResetIndexActivityParam struct {
	Collection string
}

// ResetIndexActivity drops and recreates a collection with the dimension of
// the current embedder.
func (w *Worker) ResetIndexActivity(ctx context.Context, param *ResetIndexActivityParam) error {
	collection := constant.CollectionName(param.Collection)
	w.log.Info("ResetIndexActivity: Resetting collection", zap.String("collection", collection))

	embedder, err := w.embedder(ctx)
	if err != nil {
		return activityError(err, resetIndexActivityError)
	}

	exists, err := w.repository.CollectionExists(ctx, collection)
	if err != nil {
		return activityError(err, resetIndexActivityError)
	}
	if exists {
		if err := w.repository.DropCollection(ctx, collection); err != nil {
			err = errorsx.AddMessage(
				fmt.Errorf("dropping collection: %w", err),
				"Unable to reset the search index. Please try again.",
			)
			return activityError(err, resetIndexActivityError)
		}
	}

	if err := w.repository.CreateCollection(ctx, collection, embedder.Dimensionality()); err != nil {
		err = errorsx.AddMessage(
			fmt.Errorf("creating collection: %w", err),
			"Unable to reset the search index. Please try again.",
		)
		return activityError(err, resetIndexActivityError)
	}

	return nil
}
