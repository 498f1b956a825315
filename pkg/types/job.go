package types

import (
	"fmt"

	"github.com/gofrs/uuid"
)

// BlobRef addresses an object in blob storage.
type BlobRef struct {
	Bucket      string
	Key         string
	Name        string
	ContentType string
}

// Job is a unit of work handed to the task queue. File jobs target a single
// file; reset jobs only carry the collection.
type Job struct {
	ID          JobIDType
	Kind        TaskKind
	FileUID     FileUIDType
	Collection  string
	Source      BlobRef
	CallbackURL string
}

// NewJobID returns a unique job identifier, e.g. "parse-file-3b2d6c1e-..."
// or "reset-index-3b2d6c1e-...". It is also the Temporal workflow ID.
func NewJobID(kind TaskKind) (JobIDType, error) {
	uid, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generating job ID: %w", err)
	}
	if kind == TaskKindResetIndex {
		return fmt.Sprintf("reset-index-%s", uid), nil
	}
	return fmt.Sprintf("%s-file-%s", kind, uid), nil
}
