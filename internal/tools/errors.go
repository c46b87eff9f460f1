package tools

import (
	"errors"
	"fmt"
)

// ArgumentError is returned when a tool call names an unknown tool or
// carries arguments that do not fit the tool's schema. It is the model's
// mistake, not a failure of the system: the agent feeds it back as a
// tool result so the model can correct the call.
type ArgumentError struct {
	Tool string

	// Field is the offending argument. Empty for unknown tools and for
	// errors that concern the call as a whole.
	Field string

	Reason string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %q: argument %q: %s", e.Tool, e.Field, e.Reason)
}

// IsArgumentError reports whether err is, or wraps, an *ArgumentError.
func IsArgumentError(err error) bool {
	var ae *ArgumentError
	return errors.As(err, &ae)
}

func argErr(tool, field, format string, args ...any) *ArgumentError {
	return &ArgumentError{Tool: tool, Field: field, Reason: fmt.Sprintf(format, args...)}
}
