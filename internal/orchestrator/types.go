package orchestrator

import (
	"slices"
	"time"

	"github.com/Iron-Ham/autobuild/internal/approval"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/filelock"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/phase"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

// Status is the orchestrator's run status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Severity classifies a user-facing log entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	// SeverityAgent marks output relayed from an agent capability.
	SeverityAgent Severity = "agent"
)

// LogEntry is one line of the run log shown to the user.
type LogEntry struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	IssueID  string    `json:"issue_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
}

// WorkerState is the observable state of one worker.
type WorkerState struct {
	ID            string      `json:"id"`
	IssueID       string      `json:"issue_id,omitempty"`
	IssueTitle    string      `json:"issue_title,omitempty"`
	Phase         phase.Phase `json:"phase,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	PhaseSince    *time.Time  `json:"phase_since,omitempty"`
	ModifiedFiles []string    `json:"modified_files,omitempty"`
	RetryCount    int         `json:"retry_count"`
	// RetriesRemaining is how many fix attempts the current issue has left.
	RetriesRemaining int `json:"retries_remaining"`
	AuditFixes       int `json:"audit_fixes"`
	// History lists the current issue's phase transitions, oldest first.
	History []phase.Transition `json:"history,omitempty"`
}

// Idle reports whether the worker has no current issue.
func (w WorkerState) Idle() bool {
	return w.IssueID == ""
}

func (w WorkerState) clone() WorkerState {
	w.ModifiedFiles = slices.Clone(w.ModifiedFiles)
	w.History = slices.Clone(w.History)
	if w.StartedAt != nil {
		t := *w.StartedAt
		w.StartedAt = &t
	}
	if w.PhaseSince != nil {
		t := *w.PhaseSince
		w.PhaseSince = &t
	}
	return w
}

// CompletedIssue records an issue that reached done during this process.
type CompletedIssue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	EpicID      string    `json:"epic_id,omitempty"`
	WorkerID    string    `json:"worker_id"`
	Commit      string    `json:"commit,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Snapshot is a read-only copy of the orchestrator's state.
type Snapshot struct {
	Status         Status             `json:"status"`
	RunID          string             `json:"run_id,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	Settings       config.Settings    `json:"settings"`
	Queue          []taskqueue.Entry  `json:"queue"`
	Stats          taskqueue.Stats    `json:"stats"`
	Workers        []WorkerState      `json:"workers"`
	Completed      []CompletedIssue   `json:"completed"`
	PendingReviews []approval.Pending `json:"pending_reviews,omitempty"`
	Locks          []filelock.Lock    `json:"locks,omitempty"`
	PullRequests   []PullRequest      `json:"pull_requests,omitempty"`
	Logs           []LogEntry         `json:"logs"`
}

// PullRequest records a PR opened for an epic.
type PullRequest struct {
	EpicID string `json:"epic_id"`
	Branch string `json:"branch"`
	URL    string `json:"url"`
}
