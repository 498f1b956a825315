package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/types"

	logx "github.com/instill-ai/x/log"
)

// FileLock provides a per-file critical section shared by every worker
// process.
type FileLock interface {
	// LockFile blocks until the lock of the file is acquired or the context
	// is done. The lock expires after ttl unless it is still held, in which
	// case it is periodically extended. The returned function releases it.
	LockFile(_ context.Context, uid types.FileUIDType, ttl time.Duration) (unlock func(), _ error)
}

const lockRetryInterval = 500 * time.Millisecond

// Release and extension only act on a key that still holds the caller's
// token, so an expired lock taken over by another worker is never touched.
var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

func fileLockKey(uid types.FileUIDType) string {
	return "docflow:index-lock:" + uid.String()
}

func (r *repository) LockFile(ctx context.Context, uid types.FileUIDType, ttl time.Duration) (func(), error) {
	logger, _ := logx.GetZapLogger(ctx)
	key := fileLockKey(uid)
	logger = logger.With(zap.String("lock", key))

	token, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating lock token: %w", err)
	}

	for {
		ok, err := r.redisClient.SetNX(ctx, key, token.String(), ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring file lock: %w", err)
		}
		if ok {
			break
		}

		logger.Debug("File lock is held, waiting")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}

	extendCtx, stopExtend := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				err := extendScript.Run(extendCtx, r.redisClient, []string{key}, token.String(), ttl.Milliseconds()).Err()
				if err != nil && extendCtx.Err() == nil {
					logger.Error("Error when extending file lock", zap.Error(err))
					return
				}
			}
		}
	}()

	unlock := func() {
		stopExtend()
		// The caller context might be cancelled already, the lock must still
		// be released.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, r.redisClient, []string{key}, token.String()).Err(); err != nil {
			logger.Error("Error when releasing file lock", zap.Error(err))
		}
	}

	return unlock, nil
}
