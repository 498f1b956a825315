package worker

import (
	"context"
	"encoding/json"
	"testing"
	"unicode/utf8"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/mock"
	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/repository/object"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

const (
	testBucket      = "docflow-blob"
	testCallbackURL = "http://api:8080/v1alpha/notify"
)

type testFixture struct {
	worker   *Worker
	repo     repository.Repository
	storage  *mock.ObjectStorage
	vectors  *mock.VectorDatabase
	sender   *mock.Sender
	embedder *mock.Embedder
}

func newTestFixture(c *qt.C) *testFixture {
	f := &testFixture{
		storage:  mock.NewObjectStorage(),
		vectors:  mock.NewVectorDatabase(),
		sender:   &mock.Sender{},
		embedder: &mock.Embedder{Dim: 4},
	}
	f.repo = mock.WithLocalLocks(repository.NewRepository(mock.NewDB(c), f.vectors, f.storage, nil))

	w, err := New(Config{
		Repository:   f.repo,
		Sender:       f.sender,
		Embedder:     func(context.Context) (ai.Embedder, error) { return f.embedder, nil },
		CallbackURL:  testCallbackURL,
		ChunkSize:    40,
		ChunkOverlap: 0,
		ChunkLen:     func(s string) int { return utf8.RuneCountInString(s) },
	}, zap.NewNop())
	c.Assert(err, qt.IsNil)
	f.worker = w
	return f
}

// newEnv returns a workflow environment running jobID with the reconciler
// installed.
func (f *testFixture) newEnv(jobID types.JobIDType) *testsuite.TestWorkflowEnvironment {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.SetWorkerOptions(worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{NewReconcileInterceptor()},
	})
	env.SetStartWorkflowOptions(client.StartWorkflowOptions{ID: jobID})
	f.worker.Register(env)
	return env
}

// createFile stores a source blob and its file row.
func (f *testFixture) createFile(c *qt.C, name, contentType string, content []byte) *repository.FileModel {
	ctx := context.Background()
	key := "file/" + name
	c.Assert(f.storage.UploadFile(ctx, testBucket, key, content, contentType), qt.IsNil)

	file, err := f.repo.CreateFile(ctx, repository.FileModel{
		Name:        name,
		Collection:  "handbook",
		Bucket:      testBucket,
		StorageKey:  key,
		ContentType: contentType,
	})
	c.Assert(err, qt.IsNil)
	return file
}

func (f *testFixture) claim(c *qt.C, file *repository.FileModel, kind types.TaskKind) types.JobIDType {
	jobID, err := types.NewJobID(kind)
	c.Assert(err, qt.IsNil)
	c.Assert(f.repo.ClaimFileTask(context.Background(), file.UID, kind, jobID), qt.IsNil)
	return jobID
}

func (f *testFixture) setParsed(c *qt.C, file *repository.FileModel, pages []string) {
	ctx := context.Background()
	_, err := f.repo.OverwriteFileStatus(ctx, []types.FileUIDType{file.UID}, types.FileStatusParsed, "")
	c.Assert(err, qt.IsNil)

	b, err := json.Marshal(pages)
	c.Assert(err, qt.IsNil)
	c.Assert(f.storage.UploadFile(ctx, testBucket, object.ParsedTextPath(file.StorageKey), b, "application/json"), qt.IsNil)
}

func (f *testFixture) getFile(c *qt.C, uid types.FileUIDType) *repository.FileModel {
	file, err := f.repo.GetFile(context.Background(), uid)
	c.Assert(err, qt.IsNil)
	return file
}

// eventTypes returns the types of the posted events.
func (f *testFixture) eventTypes() []notification.EventType {
	events := f.sender.Events()
	ts := make([]notification.EventType, len(events))
	for i, ev := range events {
		ts[i] = ev.Type
	}
	return ts
}

func progressOf(c *qt.C, events []notification.Event, t notification.EventType) []float64 {
	var pcts []float64
	for _, ev := range events {
		if ev.Type != t {
			continue
		}
		var p notification.Progress
		c.Assert(json.Unmarshal(ev.Data, &p), qt.IsNil)
		pcts = append(pcts, p.Percent)
	}
	return pcts
}

func lastStatusChange(c *qt.C, events []notification.Event) notification.StatusChange {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == notification.EventTypeStatusChange {
			var sc notification.StatusChange
			c.Assert(json.Unmarshal(events[i].Data, &sc), qt.IsNil)
			return sc
		}
	}
	c.Fatal("no status change posted")
	return notification.StatusChange{}
}

func TestNew(t *testing.T) {
	c := qt.New(t)

	_, err := New(Config{}, zap.NewNop())
	c.Check(err, qt.ErrorMatches, "worker requires a repository, a sender and an embedder")
}
