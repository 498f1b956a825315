package mock

import (
	"context"
	"sync"
	"time"

	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

// LocalLockRepository replaces the Redis file locks of a repository with
// in-process ones.
type LocalLockRepository struct {
	repository.Repository

	mu    sync.Mutex
	locks map[types.FileUIDType]chan struct{}
}

// WithLocalLocks wraps r.
func WithLocalLocks(r repository.Repository) *LocalLockRepository {
	return &LocalLockRepository{Repository: r, locks: map[types.FileUIDType]chan struct{}{}}
}

// LockFile implements repository.FileLock. The TTL is ignored.
func (r *LocalLockRepository) LockFile(ctx context.Context, uid types.FileUIDType, _ time.Duration) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[uid]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[uid] = l
	}
	r.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
