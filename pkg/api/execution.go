package api

import "time"

// Status is the lifecycle state of an execution. Terminal statuses are
// monotonic: once set, no further transitions happen.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	}
	return false
}

// Execution is one run of a machine for one input document.
type Execution struct {
	ID      string
	Machine string
	Status  Status

	StartedAt time.Time

	// Deadline, if non-zero, is the whole-execution ceiling. Exceeding it
	// forces StatusTimedOut regardless of in-flight step state.
	Deadline time.Time

	// Output is the final document of a succeeded execution.
	Output Document

	// Error describes the terminal failure, if any.
	Error string
}

// StateRecord is one append-only log entry. For a given execution the
// records are totally ordered by Seq; the latest record is sufficient to
// reconstruct "current state + current document".
type StateRecord struct {
	ExecutionID string
	Seq         int64
	StateName   string
	EnteredAt   time.Time

	// Attempt is the upcoming invocation number for StateName (1 on first
	// entry; bumped by retry-scheduling records). RetryRule is the index of
	// the retry rule the attempt count belongs to, -1 when no retry is in
	// progress.
	Attempt   int
	RetryRule int

	// Input is the document the state will run with.
	Input Document

	// ErrKind/ErrMessage capture the failure that caused this record, for
	// retry-scheduling and terminal-failure records.
	ErrKind    string
	ErrMessage string
}

// ExecutionListOptions filters ListExecutions. Zero values mean no filter.
type ExecutionListOptions struct {
	Machine string
	Status  Status
}
