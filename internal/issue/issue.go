// Package issue models backlog issues and the stores that supply them.
//
// Issues are owned by an external tracker. The orchestrator only holds
// read-only snapshots fetched through a [Store]; the adapters in this package
// read from the bd CLI, a beads SQLite database, or memory.
package issue

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Type is the kind of work an issue describes.
type Type string

const (
	TypeTask    Type = "task"
	TypeFeature Type = "feature"
	TypeBug     Type = "bug"
	TypeEpic    Type = "epic"
)

// Status is the tracker-side state of an issue.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	// StatusTombstone marks a deleted issue in beads.
	StatusTombstone Status = "tombstone"
)

// Priority bounds. 0 is the highest priority.
const (
	MinPriority = 0
	MaxPriority = 4
)

// Phase tag bounds. A zero PhaseTag means the issue is untagged.
const (
	MinPhaseTag = 1
	MaxPhaseTag = 5
)

// Issue is a read-only snapshot of a tracker issue.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Type        Type      `json:"type"`
	Priority    int       `json:"priority"`
	PhaseTag    int       `json:"phase_tag,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Labels      []string  `json:"labels,omitempty"`
	EpicID      string    `json:"epic_id,omitempty"`
}

// IsClosed reports whether the issue can no longer be worked on.
func (i Issue) IsClosed() bool {
	return i.Status == StatusClosed || i.Status == StatusTombstone
}

// IsEpic reports whether the issue groups child issues.
func (i Issue) IsEpic() bool {
	return i.Type == TypeEpic
}

// Tagged reports whether the issue carries a phase tag.
func (i Issue) Tagged() bool {
	return i.PhaseTag >= MinPhaseTag && i.PhaseTag <= MaxPhaseTag
}

// PhaseLabel returns "P1".."P5", or "" when untagged.
func (i Issue) PhaseLabel() string {
	if !i.Tagged() {
		return ""
	}
	return "P" + strconv.Itoa(i.PhaseTag)
}

// String returns a short human-readable form.
func (i Issue) String() string {
	if tag := i.PhaseLabel(); tag != "" {
		return fmt.Sprintf("%s [%s pri%d] %s", i.ID, tag, i.Priority, i.Title)
	}
	return fmt.Sprintf("%s [pri%d] %s", i.ID, i.Priority, i.Title)
}

var (
	titleTagRegex = regexp.MustCompile(`^\s*\[[Pp]([1-5])\]`)
	labelTagRegex = regexp.MustCompile(`^(?:phase[:=])?[Pp]([1-5])$`)
)

// ParsePhaseTag extracts a phase tag from labels ("phase:P2", "P2") or a
// title prefix ("[P2] ..."). Labels win over the title. Returns 0 if none.
func ParsePhaseTag(title string, labels []string) int {
	for _, l := range labels {
		if m := labelTagRegex.FindStringSubmatch(strings.TrimSpace(l)); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	if m := titleTagRegex.FindStringSubmatch(title); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// PhaseTagForPriority maps a priority to the phase tag given to untagged epic
// children: pri0 becomes P1 through pri4 becoming P5.
func PhaseTagForPriority(priority int) int {
	p := min(max(priority, MinPriority), MaxPriority)
	return p + 1
}

// Normalize fills derived fields after an issue is decoded from a store.
func Normalize(i Issue) Issue {
	if i.Type == "" {
		i.Type = TypeTask
	}
	if i.Status == "" {
		i.Status = StatusOpen
	}
	if i.PhaseTag == 0 {
		i.PhaseTag = ParsePhaseTag(i.Title, i.Labels)
	}
	i.Priority = min(max(i.Priority, MinPriority), MaxPriority)
	return i
}

// Children returns the open issues whose parent epic is epicID, in the
// order they appear in issues.
func Children(issues []Issue, epicID string) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.EpicID == epicID && !i.IsClosed() {
			out = append(out, i)
		}
	}
	return out
}

// ExpandEpic returns the issues to enqueue for an epic: its open children,
// with untagged children given a phase tag derived from their priority.
func ExpandEpic(epic Issue, all []Issue) []Issue {
	children := Children(all, epic.ID)
	for idx := range children {
		if !children[idx].Tagged() {
			children[idx].PhaseTag = PhaseTagForPriority(children[idx].Priority)
		}
		children[idx].Labels = slices.Clone(children[idx].Labels)
	}
	return children
}

// NewIssue holds the fields used to create an issue.
type NewIssue struct {
	Title       string
	Description string
	Type        Type
	Priority    int
	Labels      []string
	EpicID      string
}

// Store reads and creates issues in an external tracker.
type Store interface {
	// FetchIssues returns every issue the tracker knows about, closed included.
	FetchIssues(ctx context.Context) ([]Issue, error)
	// GetIssue returns a single issue, wrapping ErrIssueNotFound if unknown.
	GetIssue(ctx context.Context, id string) (Issue, error)
	// CreateIssue creates an issue and returns its tracker snapshot.
	CreateIssue(ctx context.Context, in NewIssue) (Issue, error)
}
