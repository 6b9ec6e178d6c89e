// Package errors provides the error taxonomy for Auto Build runs.
//
// Pipeline failures fall into a small number of classes that decide what a
// worker does next: retry, block the issue, warn and continue, or degrade a
// feature. Callers wrap these sentinels with fmt.Errorf("%w") and branch on
// them with Is/As; the classification helpers map an error to the severity
// used for the user-facing log stream.
//
// # Usage
//
//	if errors.Is(err, errors.ErrRetryExhausted) {
//	    // issue goes to blocked
//	}
//
//	var pe *errors.PhaseError
//	if errors.As(err, &pe) {
//	    log.Warn("phase failed", "issue", pe.IssueID, "phase", pe.Phase)
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers can import only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents how loudly an error is surfaced.
type Severity int

const (
	// SeverityDebug errors are internal control flow and never shown.
	SeverityDebug Severity = iota
	// SeverityInfo errors are expected outcomes worth a log line.
	SeverityInfo
	// SeverityWarning errors degrade behavior but do not fail the issue.
	SeverityWarning
	// SeverityError errors end the issue's pipeline.
	SeverityError
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Pipeline sentinel errors
var (
	// ErrLockTimeout indicates a lock wait window elapsed without a grant.
	// Workers keep retrying until the lock is granted or the phase is cancelled.
	ErrLockTimeout = New("lock wait timed out")
	// ErrAttributableFailure indicates a verification failure caused by the issue's own changes.
	ErrAttributableFailure = New("attributable test failure")
	// ErrUnrelatedFailure indicates a verification failure outside the issue's changes.
	ErrUnrelatedFailure = New("unrelated test failure")
	// ErrRetryExhausted indicates the fix loop used up its retry budget.
	ErrRetryExhausted = New("retry budget exhausted")
	// ErrCapabilityUnavailable indicates an optional external tool is missing.
	ErrCapabilityUnavailable = New("capability unavailable")
	// ErrHumanRejection indicates a reviewer sent the issue back for refactoring.
	ErrHumanRejection = New("refactor requested by reviewer")
	// ErrAbandoned indicates the issue was skipped or the run was stopped.
	ErrAbandoned = New("issue abandoned")
)

// Orchestrator sentinel errors
var (
	// ErrSettingsLocked indicates settings were edited while a run is active.
	ErrSettingsLocked = New("settings are locked while the orchestrator is not idle")
	// ErrInvalidState indicates a command was issued in the wrong orchestrator status.
	ErrInvalidState = New("invalid orchestrator state")
	// ErrEmptyQueue indicates start/resume was requested with nothing queued.
	ErrEmptyQueue = New("queue is empty")
	// ErrIssueNotFound indicates an issue id is unknown to the tracker or queue.
	ErrIssueNotFound = New("issue not found")
	// ErrIssueClosed indicates an attempt to enqueue a closed issue.
	ErrIssueClosed = New("issue is closed")
	// ErrInvalidTransition indicates a phase transition outside the transition table.
	ErrInvalidTransition = New("invalid phase transition")
)

// PhaseError records which issue and phase produced an error.
//
// Example:
//
//	err := errors.NewPhaseError("bd-12", "testing", errors.ErrRetryExhausted).WithWorker("worker-2")
//	fmt.Println(err) // "phase error [issue=bd-12, phase=testing, worker=worker-2]: retry budget exhausted"
type PhaseError struct {
	IssueID  string
	Phase    string
	WorkerID string
	cause    error
}

// NewPhaseError creates a PhaseError wrapping cause.
func NewPhaseError(issueID, phase string, cause error) *PhaseError {
	return &PhaseError{IssueID: issueID, Phase: phase, cause: cause}
}

// WithWorker adds the worker id to the error context.
func (e *PhaseError) WithWorker(workerID string) *PhaseError {
	e.WorkerID = workerID
	return e
}

// Error returns the formatted error message.
func (e *PhaseError) Error() string {
	parts := []string{fmt.Sprintf("issue=%s", e.IssueID), fmt.Sprintf("phase=%s", e.Phase)}
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	prefix := fmt.Sprintf("phase error [%s]", strings.Join(parts, ", "))
	if e.cause == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.cause)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.cause
}

// CapabilityError reports a missing or failing external capability.
type CapabilityError struct {
	Capability string
	cause      error
}

// NewCapabilityUnavailable creates a CapabilityError that matches ErrCapabilityUnavailable.
func NewCapabilityUnavailable(capability string, cause error) *CapabilityError {
	return &CapabilityError{Capability: capability, cause: cause}
}

// Error returns the formatted error message.
func (e *CapabilityError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("capability %q unavailable: %v", e.Capability, e.cause)
	}
	return fmt.Sprintf("capability %q unavailable", e.Capability)
}

// Is reports ErrCapabilityUnavailable as a match.
func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityUnavailable
}

// Unwrap returns the underlying error.
func (e *CapabilityError) Unwrap() error {
	return e.cause
}

// SeverityOf classifies err for the user-facing log stream.
// Only retry exhaustion and missing capabilities are surfaced; everything
// else in the taxonomy is internal control flow.
func SeverityOf(err error) Severity {
	switch {
	case err == nil:
		return SeverityDebug
	case Is(err, ErrRetryExhausted):
		return SeverityError
	case Is(err, ErrCapabilityUnavailable), Is(err, ErrUnrelatedFailure):
		return SeverityWarning
	case Is(err, ErrLockTimeout), Is(err, ErrAttributableFailure),
		Is(err, ErrHumanRejection), Is(err, ErrAbandoned):
		return SeverityDebug
	default:
		return SeverityError
	}
}

// IsRetryable reports whether the operation that produced err should be retried.
func IsRetryable(err error) bool {
	return Is(err, ErrLockTimeout) || Is(err, ErrAttributableFailure)
}

// IsTerminal reports whether err ends the issue's pipeline for this run.
func IsTerminal(err error) bool {
	return Is(err, ErrRetryExhausted)
}
