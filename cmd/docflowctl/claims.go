package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"

	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

type claimStore interface {
	ListClaimedFiles(context.Context) ([]repository.FileModel, error)
}

type workflowDescriber interface {
	DescribeWorkflowExecution(_ context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
}

type claimClearer interface {
	ClearClaim(_ context.Context, uid types.FileUIDType, jobID types.JobIDType) error
}

// orphanClaim is a claim no running job will release.
type orphanClaim struct {
	File   repository.FileModel
	Reason string
}

// findOrphanClaims checks the job of every claim against the workflow
// state. A claim is orphaned when its workflow doesn't exist or is no
// longer running. Files updated after cutoff are skipped: their workflow may
// not have been started yet.
func findOrphanClaims(ctx context.Context, store claimStore, wf workflowDescriber, cutoff time.Time) ([]orphanClaim, error) {
	files, err := store.ListClaimedFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}

	var orphans []orphanClaim
	for _, f := range files {
		if f.ClaimedTaskID == nil || f.UpdateTime.After(cutoff) {
			continue
		}

		resp, err := wf.DescribeWorkflowExecution(ctx, *f.ClaimedTaskID, "")
		var notFound *serviceerror.NotFound
		switch {
		case errors.As(err, &notFound):
			orphans = append(orphans, orphanClaim{File: f, Reason: "job not found"})
			continue
		case err != nil:
			return nil, fmt.Errorf("describing job %s: %w", *f.ClaimedTaskID, err)
		}

		status := resp.GetWorkflowExecutionInfo().GetStatus()
		if status != enums.WORKFLOW_EXECUTION_STATUS_RUNNING {
			orphans = append(orphans, orphanClaim{File: f, Reason: "job " + status.String()})
		}
	}
	return orphans, nil
}

func printClaims(w io.Writer, files []repository.FileModel) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tJOB\tUPDATED")
	for _, f := range files {
		job := ""
		if f.ClaimedTaskID != nil {
			job = *f.ClaimedTaskID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.UID, f.Status, job, f.UpdateTime.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printOrphans(w io.Writer, orphans []orphanClaim) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tJOB\tREASON")
	for _, o := range orphans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.File.UID, o.File.Status, *o.File.ClaimedTaskID, o.Reason)
	}
	return tw.Flush()
}

// apiClient force-clears claims through the API server, so the live
// clients are notified of the change. A clear only releases the claim of the
// given job, never one taken after the sweep listed it.
type apiClient struct {
	*resty.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		Client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *apiClient) ClearClaim(ctx context.Context, uid types.FileUIDType, jobID types.JobIDType) error {
	req := c.R().
		SetContext(ctx).
		SetPathParam("file_uid", uid.String())
	if jobID != "" {
		req.SetQueryParam("job_id", jobID)
	}

	resp, err := req.Post("/v1alpha/files/{file_uid}/clear-claim")
	if err != nil {
		return fmt.Errorf("couldn't connect with API server: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("clearing claim of %s: %s %s", uid, resp.Status(), resp.String())
	}
	return nil
}
