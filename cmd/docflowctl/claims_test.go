package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

type fakeStore []repository.FileModel

func (s fakeStore) ListClaimedFiles(context.Context) ([]repository.FileModel, error) {
	return s, nil
}

// fakeWorkflows maps workflow IDs to their status. Unknown IDs aren't found.
type fakeWorkflows map[string]enums.WorkflowExecutionStatus

func (w fakeWorkflows) DescribeWorkflowExecution(_ context.Context, id, _ string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	status, ok := w[id]
	if !ok {
		return nil, serviceerror.NewNotFound("workflow not found")
	}
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflow.WorkflowExecutionInfo{Status: status},
	}, nil
}

type fakeClearer struct {
	cleared []types.FileUIDType
	jobs    []types.JobIDType
	err     error
}

func (f *fakeClearer) ClearClaim(_ context.Context, uid types.FileUIDType, jobID types.JobIDType) error {
	if f.err != nil {
		return f.err
	}
	f.cleared = append(f.cleared, uid)
	f.jobs = append(f.jobs, jobID)
	return nil
}

// claimedFile returns a file claimed by jobID an hour ago.
func claimedFile(jobID string) repository.FileModel {
	return repository.FileModel{
		UID:           uuid.Must(uuid.NewV4()),
		Status:        types.FileStatusParsing,
		ClaimedTaskID: &jobID,
		UpdateTime:    time.Now().Add(-time.Hour),
	}
}

func TestFindOrphanClaims(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	running := claimedFile("parse-file-running")
	completed := claimedFile("parse-file-completed")
	lost := claimedFile("parse-file-lost")
	store := fakeStore{running, completed, lost}

	wf := fakeWorkflows{
		"parse-file-running":   enums.WORKFLOW_EXECUTION_STATUS_RUNNING,
		"parse-file-completed": enums.WORKFLOW_EXECUTION_STATUS_COMPLETED,
	}

	orphans, err := findOrphanClaims(ctx, store, wf, time.Now().Add(-defaultSweepGrace))
	c.Assert(err, qt.IsNil)
	c.Assert(orphans, qt.HasLen, 2)
	c.Check(orphans[0].File.UID, qt.Equals, completed.UID)
	c.Check(orphans[0].Reason, qt.Matches, "job (Completed|WORKFLOW_EXECUTION_STATUS_COMPLETED)")
	c.Check(orphans[1].File.UID, qt.Equals, lost.UID)
	c.Check(orphans[1].Reason, qt.Equals, "job not found")

	var out bytes.Buffer
	c.Assert(printOrphans(&out, orphans), qt.IsNil)
	c.Check(out.String(), qt.Contains, "parse-file-lost")
}

func TestFindOrphanClaims_GracePeriod(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	// Claimed just now, the workflow isn't started yet.
	fresh := claimedFile("parse-file-fresh")
	fresh.UpdateTime = time.Now()
	stale := claimedFile("parse-file-stale")

	orphans, err := findOrphanClaims(ctx, fakeStore{fresh, stale}, fakeWorkflows{}, time.Now().Add(-defaultSweepGrace))
	c.Assert(err, qt.IsNil)
	c.Assert(orphans, qt.HasLen, 1)
	c.Check(orphans[0].File.UID, qt.Equals, stale.UID)

	c.Run("ok - no grace period", func(c *qt.C) {
		orphans, err := findOrphanClaims(ctx, fakeStore{fresh}, fakeWorkflows{}, time.Now().Add(time.Second))
		c.Assert(err, qt.IsNil)
		c.Check(orphans, qt.HasLen, 1)
	})
}

func TestClearOrphans(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	orphans := []orphanClaim{{File: claimedFile("a")}, {File: claimedFile("b")}}

	c.Run("ok", func(c *qt.C) {
		cl := &fakeClearer{}
		c.Assert(clearOrphans(ctx, cl, orphans), qt.IsNil)
		c.Check(cl.cleared, qt.DeepEquals, []types.FileUIDType{orphans[0].File.UID, orphans[1].File.UID})
		c.Check(cl.jobs, qt.DeepEquals, []types.JobIDType{"a", "b"})
	})

	c.Run("nok - failures are counted", func(c *qt.C) {
		cl := &fakeClearer{err: errors.New("connection refused")}
		err := clearOrphans(ctx, cl, orphans)
		c.Check(err, qt.ErrorMatches, "2 of 2 claims couldn't be cleared")
	})
}

func TestAPIClient_ClearClaim(t *testing.T) {
	c := qt.New(t)
	uid := uuid.Must(uuid.NewV4())

	var gotPath, gotJob string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotJob = r.URL.Query().Get("job_id")
		if r.URL.Path == "/v1alpha/files/"+uid.String()+"/clear-claim" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cl := newAPIClient(srv.URL)
	c.Assert(cl.ClearClaim(context.Background(), uid, "parse-file-lost"), qt.IsNil)
	c.Check(gotPath, qt.Equals, "POST /v1alpha/files/"+uid.String()+"/clear-claim")
	c.Check(gotJob, qt.Equals, "parse-file-lost")

	c.Assert(cl.ClearClaim(context.Background(), uid, ""), qt.IsNil)
	c.Check(gotJob, qt.Equals, "")

	err := cl.ClearClaim(context.Background(), uuid.Must(uuid.NewV4()), "")
	c.Check(err, qt.ErrorMatches, "clearing claim of .*: 404 Not Found.*")
}
