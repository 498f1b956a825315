package service

import (
	"context"
	"encoding/json"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/mock"
	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

const testBucket = "docflow-blob"

type testEnv struct {
	svc      Service
	repo     repository.Repository
	queue    *mock.TaskQueue
	pub      *mock.Publisher
	storage  *mock.ObjectStorage
	vectors  *mock.VectorDatabase
	embedder *mock.Embedder
}

func newTestEnv(c *qt.C, cfg Config) *testEnv {
	env := &testEnv{
		queue:    &mock.TaskQueue{},
		pub:      &mock.Publisher{},
		storage:  mock.NewObjectStorage(),
		vectors:  mock.NewVectorDatabase(),
		embedder: &mock.Embedder{Dim: 4},
	}
	env.repo = repository.NewRepository(mock.NewDB(c), env.vectors, env.storage, nil)

	if cfg.Bucket == "" {
		cfg.Bucket = testBucket
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = "http://api:8080/v1alpha/notify"
	}
	embedder := func(context.Context) (ai.Embedder, error) { return env.embedder, nil }
	env.svc = NewService(env.repo, env.queue, env.pub, embedder, cfg)
	return env
}

func (env *testEnv) createFile(c *qt.C, name string) *repository.FileModel {
	f, err := env.svc.CreateFile(context.Background(), CreateFileParam{
		Name:        name,
		Collection:  "handbook",
		ContentType: "text/plain",
		Content:     []byte("page one\fpage two"),
	})
	c.Assert(err, qt.IsNil)
	return f
}

func (env *testEnv) setStatus(c *qt.C, uid types.FileUIDType, status types.FileStatus) {
	n, err := env.repo.OverwriteFileStatus(context.Background(), []types.FileUIDType{uid}, status, "")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))
}

// events decodes the broadcast messages.
func (env *testEnv) events(c *qt.C) []notification.Event {
	msgs := env.pub.Messages()
	events := make([]notification.Event, len(msgs))
	for i, m := range msgs {
		c.Assert(json.Unmarshal([]byte(m), &events[i]), qt.IsNil)
	}
	return events
}

func decodeData[T any](c *qt.C, ev notification.Event) T {
	var v T
	c.Assert(json.Unmarshal(ev.Data, &v), qt.IsNil)
	return v
}
