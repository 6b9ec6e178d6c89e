package taskqueue

import (
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/issue"
)

// EntryState is the scheduling state of a queued issue.
type EntryState string

const (
	// StatePending entries are eligible for selection.
	StatePending EntryState = "pending"

	// StateAssigned entries are being worked on by a worker.
	StateAssigned EntryState = "assigned"

	// StateBlocked entries stay queued but are never selected until unblocked.
	StateBlocked EntryState = "blocked"
)

// String returns the string representation of the state.
func (s EntryState) String() string {
	return string(s)
}

// Sentinel errors returned by queue operations.
var (
	ErrNotQueued         = errors.New("issue is not queued")
	ErrAlreadyQueued     = errors.New("issue is already queued")
	ErrInvalidTransition = errors.New("invalid queue state transition")
)

// Entry is a queued issue with its scheduling state.
type Entry struct {
	Issue issue.Issue `json:"issue"`

	State EntryState `json:"state"`

	// Seq is the insertion sequence used as the final ordering tie-break.
	// Requeue to the front assigns a sequence below every other entry.
	Seq int64 `json:"seq"`

	AssignedTo string     `json:"assigned_to,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`

	BlockedReason string `json:"blocked_reason,omitempty"`
}

// Stats is a snapshot of the queue's state counts.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Assigned int `json:"assigned"`
	Blocked  int `json:"blocked"`
}

// Less reports whether a sorts before b in dequeue order.
func Less(a, b *Entry) bool {
	at, bt := a.Issue.Tagged(), b.Issue.Tagged()
	if at != bt {
		return at
	}
	if at && a.Issue.PhaseTag != b.Issue.PhaseTag {
		return a.Issue.PhaseTag < b.Issue.PhaseTag
	}
	if a.Issue.Priority != b.Issue.Priority {
		return a.Issue.Priority < b.Issue.Priority
	}
	if !a.Issue.CreatedAt.Equal(b.Issue.CreatedAt) {
		return a.Issue.CreatedAt.Before(b.Issue.CreatedAt)
	}
	return a.Seq < b.Seq
}
