package event

import "time"

// Event is the interface that all events implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "lock.acquired".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeLockAcquired    = "lock.acquired"
	TypeLockReleased    = "lock.released"
	TypeLockExpired     = "lock.expired"
	TypePhaseChanged    = "phase.changed"
	TypeIssueCompleted  = "issue.completed"
	TypeIssueBlocked    = "issue.blocked"
	TypeReviewRequested = "review.requested"
	TypePROpened        = "pr.opened"
	TypeStatusChanged   = "orchestrator.status_changed"
	TypeQueueChanged    = "queue.changed"
	TypeLogAppended     = "log.appended"
)

// baseEvent provides the common fields; embed it in concrete event types.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockAcquiredEvent is emitted when a worker is granted a file lock.
type LockAcquiredEvent struct {
	baseEvent
	Path  string
	Owner string
}

// NewLockAcquiredEvent creates a LockAcquiredEvent.
func NewLockAcquiredEvent(path, owner string) LockAcquiredEvent {
	return LockAcquiredEvent{baseEvent: newBaseEvent(TypeLockAcquired), Path: path, Owner: owner}
}

// LockReleasedEvent is emitted when a file lock is released by its owner.
type LockReleasedEvent struct {
	baseEvent
	Path  string
	Owner string
}

// NewLockReleasedEvent creates a LockReleasedEvent.
func NewLockReleasedEvent(path, owner string) LockReleasedEvent {
	return LockReleasedEvent{baseEvent: newBaseEvent(TypeLockReleased), Path: path, Owner: owner}
}

// LockExpiredEvent is emitted when the stale sweep force-releases a lock.
type LockExpiredEvent struct {
	baseEvent
	Path  string
	Owner string
	Age   time.Duration
}

// NewLockExpiredEvent creates a LockExpiredEvent.
func NewLockExpiredEvent(path, owner string, age time.Duration) LockExpiredEvent {
	return LockExpiredEvent{baseEvent: newBaseEvent(TypeLockExpired), Path: path, Owner: owner, Age: age}
}

// -----------------------------------------------------------------------------
// Pipeline Events
// -----------------------------------------------------------------------------

// PhaseChangedEvent is emitted when an issue moves between pipeline phases.
type PhaseChangedEvent struct {
	baseEvent
	IssueID  string
	WorkerID string
	From     string
	To       string
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(issueID, workerID, from, to string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent: newBaseEvent(TypePhaseChanged),
		IssueID:   issueID,
		WorkerID:  workerID,
		From:      from,
		To:        to,
	}
}

// IssueCompletedEvent is emitted when an issue's changes are committed.
type IssueCompletedEvent struct {
	baseEvent
	IssueID  string
	WorkerID string
	EpicID   string
}

// NewIssueCompletedEvent creates an IssueCompletedEvent.
func NewIssueCompletedEvent(issueID, workerID, epicID string) IssueCompletedEvent {
	return IssueCompletedEvent{
		baseEvent: newBaseEvent(TypeIssueCompleted),
		IssueID:   issueID,
		WorkerID:  workerID,
		EpicID:    epicID,
	}
}

// IssueBlockedEvent is emitted when an issue exhausts its retries or fails
// a phase it cannot recover from.
type IssueBlockedEvent struct {
	baseEvent
	IssueID  string
	WorkerID string
	Reason   string
}

// NewIssueBlockedEvent creates an IssueBlockedEvent.
func NewIssueBlockedEvent(issueID, workerID, reason string) IssueBlockedEvent {
	return IssueBlockedEvent{
		baseEvent: newBaseEvent(TypeIssueBlocked),
		IssueID:   issueID,
		WorkerID:  workerID,
		Reason:    reason,
	}
}

// ReviewRequestedEvent is emitted when an issue reaches human review.
type ReviewRequestedEvent struct {
	baseEvent
	IssueID  string
	WorkerID string
	Files    []string
}

// NewReviewRequestedEvent creates a ReviewRequestedEvent.
func NewReviewRequestedEvent(issueID, workerID string, files []string) ReviewRequestedEvent {
	return ReviewRequestedEvent{
		baseEvent: newBaseEvent(TypeReviewRequested),
		IssueID:   issueID,
		WorkerID:  workerID,
		Files:     files,
	}
}

// PROpenedEvent is emitted when a pull request is created for an epic branch.
type PROpenedEvent struct {
	baseEvent
	EpicID string
	Branch string
	URL    string
}

// NewPROpenedEvent creates a PROpenedEvent.
func NewPROpenedEvent(epicID, branch, url string) PROpenedEvent {
	return PROpenedEvent{baseEvent: newBaseEvent(TypePROpened), EpicID: epicID, Branch: branch, URL: url}
}

// -----------------------------------------------------------------------------
// Orchestrator Events
// -----------------------------------------------------------------------------

// StatusChangedEvent is emitted on orchestrator status transitions
// (idle, running, paused, error).
type StatusChangedEvent struct {
	baseEvent
	From string
	To   string
}

// NewStatusChangedEvent creates a StatusChangedEvent.
func NewStatusChangedEvent(from, to string) StatusChangedEvent {
	return StatusChangedEvent{baseEvent: newBaseEvent(TypeStatusChanged), From: from, To: to}
}

// QueueChangedEvent is emitted when issues are added, removed, requeued, or
// finished. Reason is a short machine-readable tag such as "added".
type QueueChangedEvent struct {
	baseEvent
	Reason  string
	IssueID string
	Length  int
}

// NewQueueChangedEvent creates a QueueChangedEvent.
func NewQueueChangedEvent(reason, issueID string, length int) QueueChangedEvent {
	return QueueChangedEvent{
		baseEvent: newBaseEvent(TypeQueueChanged),
		Reason:    reason,
		IssueID:   issueID,
		Length:    length,
	}
}

// LogAppendedEvent mirrors an entry appended to the run log.
type LogAppendedEvent struct {
	baseEvent
	Level   string
	Message string
	IssueID string
}

// NewLogAppendedEvent creates a LogAppendedEvent.
func NewLogAppendedEvent(level, message, issueID string) LogAppendedEvent {
	return LogAppendedEvent{
		baseEvent: newBaseEvent(TypeLogAppended),
		Level:     level,
		Message:   message,
		IssueID:   issueID,
	}
}
