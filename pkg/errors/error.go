// package errors contains domain errors that different layers can use to add
// meaning to an error and that the HTTP layer can transform to a status code.
// This is implemented as a separate package in order to avoid cycle import
// errors.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers.
var (
	// ErrAlreadyClaimed is returned when a task is dispatched for a file that
	// already has an outstanding claim.
	ErrAlreadyClaimed = errorsx.AddMessage(
		fmt.Errorf("file already claimed"),
		"The file is already being processed.",
	)
	// ErrInvalidTransition is used when the file status doesn't allow the
	// requested pipeline stage (e.g. indexing a file that was never parsed).
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	// ErrClaimed is used when an operation requires the file to have no
	// in-flight task.
	ErrClaimed = errorsx.AddMessage(
		fmt.Errorf("file has an in-flight task"),
		"The file is being processed. Wait until it finishes or clear its claim.",
	)
)
