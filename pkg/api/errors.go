package api

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds used for Retry/Catch matching. Step executors attach a kind
// to every failure; rules match on kind membership.
const (
	// ErrorKindValidation marks a user-input problem. It is never worth
	// retrying; the pipeline routes it to a dedicated failure path.
	ErrorKindValidation = "ValidationError"

	// ErrorKindTransient covers analyzer/store outages and other failures
	// that are expected to clear on their own.
	ErrorKindTransient = "TransientServiceError"

	// ErrorKindTimeout is assigned by the engine when a task exceeds its
	// per-state timeout budget.
	ErrorKindTimeout = "States.Timeout"

	// ErrorKindTaskFailed is assigned to failures a step did not classify.
	// Only catch-all rules match it.
	ErrorKindTaskFailed = "States.TaskFailed"

	// MatchAll is the wildcard kind usable in Retry/Catch rules.
	MatchAll = "States.ALL"
)

// StepError is the typed failure returned by step executors. Kind is the
// machine-readable string used for Retry/Catch matching; Message is for
// humans and logs.
type StepError struct {
	Kind    string
	Message string
	cause   error
}

func (e *StepError) Error() string {
	return e.Kind + ": " + e.Message
}

func (e *StepError) Unwrap() error {
	return e.cause
}

// NewStepError creates a StepError with an explicit kind.
func NewStepError(kind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError creates a non-retryable validation failure.
func NewValidationError(format string, args ...any) *StepError {
	return NewStepError(ErrorKindValidation, format, args...)
}

// NewTransientError wraps err as a retryable service failure.
func NewTransientError(err error, format string, args ...any) *StepError {
	return &StepError{
		Kind:    ErrorKindTransient,
		Message: fmt.Sprintf(format, args...),
		cause:   err,
	}
}

// ClassifyError maps an arbitrary step error onto the taxonomy. StepErrors
// pass through unchanged; context deadline errors become States.Timeout;
// anything else is States.TaskFailed.
func ClassifyError(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StepError{Kind: ErrorKindTimeout, Message: err.Error(), cause: err}
	}
	return &StepError{Kind: ErrorKindTaskFailed, Message: err.Error(), cause: err}
}

// KindMatches reports whether the given error kind is covered by the rule's
// kind set. MatchAll covers everything.
func KindMatches(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == MatchAll || k == kind {
			return true
		}
	}
	return false
}

// ErrorObject is the document fragment merged at a catch rule's ResultPath,
// mirroring the {Error, Cause} shape downstream consumers expect.
func (e *StepError) ErrorObject() map[string]any {
	return map[string]any{
		"Error": e.Kind,
		"Cause": e.Message,
	}
}

// DefinitionError reports a malformed state machine. Definitions are
// validated when registered; a DefinitionError is never surfaced at runtime.
type DefinitionError struct {
	Machine string
	State   string
	Reason  string
}

func (e *DefinitionError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("invalid machine %q: %s", e.Machine, e.Reason)
	}
	return fmt.Sprintf("invalid machine %q: state %q: %s", e.Machine, e.State, e.Reason)
}
