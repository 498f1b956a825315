package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/notification"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"
)

// ApplyNotification only fails on malformed events. Events that can't be
// applied (e.g. about a deleted file) are dropped, since the sender can do
// nothing about them, and are still forwarded to the live clients.
func (s *service) ApplyNotification(ctx context.Context, raw []byte) error {
	logger, _ := logx.GetZapLogger(ctx)

	ev, payload, err := notification.Decode(raw)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("type", string(ev.Type)))

	switch p := payload.(type) {
	case *notification.Progress:
		kind, _ := ev.Type.TaskKind()
		applied, aerr := s.repository.ApplyFileProgress(ctx, p.EntityID, kind, p.Percent)
		err = aerr
		if err == nil && !applied {
			logger.Debug("Stale progress ignored",
				zap.String("fileUID", p.EntityID.String()),
				zap.Float64("percent", p.Percent))
		}

	case *notification.StatusChange:
		n, aerr := s.repository.OverwriteFileStatus(ctx, p.EntityIDs, p.Status, p.TaskID)
		err = aerr
		if err == nil && n < int64(len(p.EntityIDs)) {
			logger.Info("Status change skipped files",
				zap.String("status", string(p.Status)),
				zap.String("jobID", p.TaskID),
				zap.Int("files", len(p.EntityIDs)),
				zap.Int64("updated", n))
		}

	case *notification.RevisionFlag:
		_, err = s.repository.SetFileIndexStale(ctx, p.EntityIDs, p.Flag)

	default:
		logger.Debug("Unknown notification type")
	}

	if err != nil {
		level := zap.ErrorLevel
		if errors.Is(err, errorsx.ErrNotFound) {
			level = zap.WarnLevel
		}
		logger.Log(level, "Couldn't apply notification", zap.ByteString("event", raw), zap.Error(err))
	}

	s.publishRaw(ctx, raw)
	return nil
}
