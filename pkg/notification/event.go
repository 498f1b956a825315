// Package notification defines the events exchanged between the pipeline
// workers and the notification channel of the API server.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator"
	"github.com/iancoleman/strcase"

	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// EventType tags the payload of an event.
type EventType string

const (
	// EventTypeParseProgress reports the parse progress of a file.
	EventTypeParseProgress EventType = "ParseProgress"
	// EventTypeIndexProgress reports the index progress of a file.
	EventTypeIndexProgress EventType = "IndexProgress"
	// EventTypeStatusChange sets a settled status on a set of files.
	EventTypeStatusChange EventType = "StatusChange"
	// EventTypeRevisionFlag flags or unflags the index of a set of files as
	// stale.
	EventTypeRevisionFlag EventType = "RevisionFlag"
)

// Event is the envelope posted to the notification channel and pushed to the
// live clients.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Progress is the payload of the progress events.
type Progress struct {
	EntityID types.FileUIDType `json:"entity_id" validate:"required"`
	Percent  float64           `json:"percent" validate:"min=0,max=100"`
}

// StatusChange is the payload of EventTypeStatusChange. When TaskID is set,
// only the files claimed by that job (or unclaimed) are changed.
type StatusChange struct {
	EntityIDs []types.FileUIDType `json:"entity_ids" validate:"required,min=1"`
	Status    types.FileStatus    `json:"status" validate:"required,oneof=uploaded parsed parse_failed indexed index_failed"`
	TaskID    types.JobIDType     `json:"task_id,omitempty"`
}

// RevisionFlag is the payload of EventTypeRevisionFlag.
type RevisionFlag struct {
	EntityIDs []types.FileUIDType `json:"entity_ids" validate:"required,min=1"`
	Flag      bool                `json:"flag"`
}

// Sender delivers events to a notification channel.
type Sender interface {
	Send(_ context.Context, callbackURL string, _ Event) error
}

var validate = validator.New()

// NewEvent builds an event from its payload.
func NewEvent(t EventType, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshalling %s payload: %w", t, err)
	}
	return Event{Type: t, Data: b}, nil
}

// NewProgressEvent returns the progress event of a task kind.
func NewProgressEvent(kind types.TaskKind, uid types.FileUIDType, percent float64) (Event, error) {
	t := EventTypeParseProgress
	if kind == types.TaskKindIndex {
		t = EventTypeIndexProgress
	}
	return NewEvent(t, Progress{EntityID: uid, Percent: percent})
}

// NormalizeType maps the accepted spellings of an event type (e.g.
// "parse_progress", "parse-progress") to its canonical form.
func NormalizeType(t string) EventType {
	return EventType(strcase.ToCamel(strings.TrimSpace(t)))
}

// Known reports whether the event type has a payload definition.
func (t EventType) Known() bool {
	switch t {
	case EventTypeParseProgress, EventTypeIndexProgress, EventTypeStatusChange, EventTypeRevisionFlag:
		return true
	}
	return false
}

// Decode parses and validates an event. The payload is one of *Progress,
// *StatusChange or *RevisionFlag, or nil when the event type is unknown.
// Malformed events return an ErrInvalidArgument error.
func Decode(raw []byte) (Event, any, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, nil, invalid(fmt.Errorf("decoding event: %w", err), "Malformed notification event.")
	}
	if ev.Type == "" {
		return ev, nil, invalid(fmt.Errorf("missing event type"), "Notification event type is required.")
	}

	ev.Type = NormalizeType(string(ev.Type))

	var payload any
	switch ev.Type {
	case EventTypeParseProgress, EventTypeIndexProgress:
		payload = new(Progress)
	case EventTypeStatusChange:
		payload = new(StatusChange)
	case EventTypeRevisionFlag:
		payload = new(RevisionFlag)
	default:
		return ev, nil, nil
	}

	if len(ev.Data) == 0 {
		return ev, nil, invalid(fmt.Errorf("%s event has no data", ev.Type), "Notification event data is required.")
	}
	if err := json.Unmarshal(ev.Data, payload); err != nil {
		return ev, nil, invalid(fmt.Errorf("decoding %s payload: %w", ev.Type, err), "Malformed notification event data.")
	}
	if err := validate.Struct(payload); err != nil {
		return ev, nil, invalid(fmt.Errorf("validating %s payload: %w", ev.Type, err), "Invalid notification event data.")
	}

	return ev, payload, nil
}

// TaskKind returns the stage a progress event belongs to.
func (t EventType) TaskKind() (types.TaskKind, bool) {
	switch t {
	case EventTypeParseProgress:
		return types.TaskKindParse, true
	case EventTypeIndexProgress:
		return types.TaskKindIndex, true
	}
	return "", false
}

func invalid(err error, msg string) error {
	return errorsx.AddMessage(fmt.Errorf("%w: %w", errorsx.ErrInvalidArgument, err), msg)
}
