package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

func parseParam(jobID types.JobIDType, uid types.FileUIDType, ref types.BlobRef) ParseFileWorkflowParam {
	return ParseFileWorkflowParam{
		JobID:       jobID,
		FileUID:     uid,
		Sources:     []types.BlobRef{ref},
		CallbackURL: testCallbackURL,
	}
}

func TestParseFileWorkflow_Success(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newTestFixture(c)

	file := f.createFile(c, "guide.txt", "text/plain", []byte("page one\fpage two"))
	jobID := f.claim(c, file, types.TaskKindParse)
	cacheKey := object.ChunkCachePath(file.StorageKey)
	c.Assert(f.storage.UploadFile(ctx, testBucket, cacheKey, []byte("[]"), "application/json"), qt.IsNil)

	env := f.newEnv(jobID)
	env.ExecuteWorkflow(f.worker.ParseFileWorkflow, parseParam(jobID, file.UID, types.BlobRef{
		Bucket:      testBucket,
		Key:         file.StorageKey,
		Name:        file.Name,
		ContentType: file.ContentType,
	}))

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNil)

	b, err := f.storage.GetFile(ctx, testBucket, object.ParsedTextPath(file.StorageKey))
	c.Assert(err, qt.IsNil)
	var pages []string
	c.Assert(json.Unmarshal(b, &pages), qt.IsNil)
	c.Check(pages, qt.DeepEquals, []string{"page one", "page two"})

	exists, err := f.storage.FileExists(ctx, testBucket, cacheKey)
	c.Assert(err, qt.IsNil)
	c.Check(exists, qt.IsFalse)

	events := f.sender.Events()
	c.Check(progressOf(c, events, notification.EventTypeParseProgress), qt.DeepEquals, []float64{1, 50, 100})
	c.Check(lastStatusChange(c, events), qt.DeepEquals, notification.StatusChange{
		EntityIDs: []types.FileUIDType{file.UID},
		Status:    types.FileStatusParsed,
		TaskID:    jobID,
	})

	// The worker only reports, the notification channel applies.
	got := f.getFile(c, file.UID)
	c.Check(got.Status, qt.Equals, types.FileStatusParsing)
	c.Check(got.ClaimedTaskID, qt.IsNotNil)
}

func TestParseFileWorkflow_MalformedPDF(t *testing.T) {
	c := qt.New(t)
	f := newTestFixture(c)

	file := f.createFile(c, "scan.pdf", "application/pdf", []byte("not a pdf"))
	jobID := f.claim(c, file, types.TaskKindParse)

	env := f.newEnv(jobID)
	env.ExecuteWorkflow(f.worker.ParseFileWorkflow, parseParam(jobID, file.UID, types.BlobRef{
		Bucket:      testBucket,
		Key:         file.StorageKey,
		Name:        file.Name,
		ContentType: file.ContentType,
	}))

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNotNil)

	got := f.getFile(c, file.UID)
	c.Check(got.Status, qt.Equals, types.FileStatusParseFailed)
	c.Check(got.ClaimedTaskID, qt.IsNil)
	c.Check(got.ExtraMetaData.Data().FailReason, qt.Equals, "The PDF file couldn't be read. Please check the file isn't corrupted.")

	c.Check(lastStatusChange(c, f.sender.Events()), qt.DeepEquals, notification.StatusChange{
		EntityIDs: []types.FileUIDType{file.UID},
		Status:    types.FileStatusParseFailed,
		TaskID:    jobID,
	})
}

func TestParseFileWorkflow_MissingSource(t *testing.T) {
	c := qt.New(t)
	f := newTestFixture(c)

	file := f.createFile(c, "guide.txt", "text/plain", []byte("text"))
	jobID := f.claim(c, file, types.TaskKindParse)

	env := f.newEnv(jobID)
	env.ExecuteWorkflow(f.worker.ParseFileWorkflow, parseParam(jobID, file.UID, types.BlobRef{
		Bucket:      testBucket,
		Key:         "file/missing.txt",
		Name:        "missing.txt",
		ContentType: "text/plain",
	}))

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNotNil)
	c.Check(f.getFile(c, file.UID).Status, qt.Equals, types.FileStatusParseFailed)
}

func TestParseFileWorkflow_TerminalPostFailure(t *testing.T) {
	c := qt.New(t)
	f := newTestFixture(c)

	// The channel accepts everything but the success report.
	f.sender.Err = func(ev notification.Event) error {
		if ev.Type == notification.EventTypeStatusChange && bytes.Contains(ev.Data, []byte(`"parsed"`)) {
			return fmt.Errorf("notification channel unavailable")
		}
		return nil
	}

	file := f.createFile(c, "guide.txt", "text/plain", []byte("text"))
	jobID := f.claim(c, file, types.TaskKindParse)

	env := f.newEnv(jobID)
	env.ExecuteWorkflow(f.worker.ParseFileWorkflow, parseParam(jobID, file.UID, types.BlobRef{
		Bucket:      testBucket,
		Key:         file.StorageKey,
		Name:        file.Name,
		ContentType: file.ContentType,
	}))

	c.Assert(env.IsWorkflowCompleted(), qt.IsTrue)
	c.Assert(env.GetWorkflowError(), qt.IsNotNil)

	// The claim doesn't outlive the job.
	got := f.getFile(c, file.UID)
	c.Check(got.Status, qt.Equals, types.FileStatusParseFailed)
	c.Check(got.ClaimedTaskID, qt.IsNil)
}
