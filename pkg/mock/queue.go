package mock

import (
	"context"
	"sync"

	"github.com/instill-ai/docflow-backend/pkg/types"
)

// TaskQueue records the enqueued jobs.
type TaskQueue struct {
	mu   sync.Mutex
	jobs []types.Job

	// Err, when set, is returned by Enqueue.
	Err error
}

// Enqueue implements service.TaskQueue.
func (q *TaskQueue) Enqueue(_ context.Context, job types.Job) (types.JobIDType, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return "", q.Err
	}
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

// Jobs returns the enqueued jobs.
func (q *TaskQueue) Jobs() []types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.Job(nil), q.jobs...)
}
