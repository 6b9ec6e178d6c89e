package approval

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
)

// Sentinel errors returned by gate operations.
var (
	ErrNotAwaitingReview = errors.New("issue is not awaiting review")
	ErrAlreadyAwaiting   = errors.New("issue is already awaiting review")
)

// Decision is a reviewer's verdict on a parked issue.
type Decision struct {
	// Refactor is true when the reviewer asked for changes.
	Refactor bool
	// Reason is the refactor request text; empty on approval.
	Reason string
}

// Err returns nil for an approval and an error wrapping
// errors.ErrHumanRejection for a refactor request.
func (d Decision) Err() error {
	if !d.Refactor {
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrHumanRejection, d.Reason)
}

// Pending describes an issue parked in the gate.
type Pending struct {
	IssueID  string    `json:"issue_id"`
	WorkerID string    `json:"worker_id"`
	Files    []string  `json:"files,omitempty"`
	Since    time.Time `json:"since"`
}

type waiter struct {
	Pending
	decision chan Decision
}

// Gate holds issues in human review until a reviewer decides.
type Gate struct {
	mu      sync.Mutex
	bus     *event.Bus
	waiting map[string]*waiter
	now     func() time.Time
}

// NewGate creates a Gate. bus may be nil.
func NewGate(bus *event.Bus) *Gate {
	return &Gate{
		bus:     bus,
		waiting: make(map[string]*waiter),
		now:     time.Now,
	}
}

// Await parks issueID and blocks until a reviewer decides or ctx is done.
// A ReviewRequestedEvent is published once the issue is parked. If ctx ends
// first the issue is unparked and ctx.Err() is returned; a decision that
// raced with the cancellation is still honored.
func (g *Gate) Await(ctx context.Context, issueID, workerID string, files []string) (Decision, error) {
	w := &waiter{
		Pending: Pending{
			IssueID:  issueID,
			WorkerID: workerID,
			Files:    slices.Clone(files),
			Since:    g.now(),
		},
		decision: make(chan Decision, 1),
	}

	g.mu.Lock()
	if _, ok := g.waiting[issueID]; ok {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyAwaiting, issueID)
	}
	g.waiting[issueID] = w
	g.mu.Unlock()

	// Publish outside the mutex so handlers may call back into the gate.
	g.bus.Publish(event.NewReviewRequestedEvent(issueID, workerID, w.Files))

	select {
	case d := <-w.decision:
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.waiting[issueID] == w {
			delete(g.waiting, issueID)
			g.mu.Unlock()
			return Decision{}, ctx.Err()
		}
		g.mu.Unlock()
		return <-w.decision, nil
	}
}

// Approve accepts a parked issue; its worker continues to committing.
func (g *Gate) Approve(issueID string) error {
	return g.decide(issueID, Decision{})
}

// RequestRefactor sends a parked issue back to working with reason.
func (g *Gate) RequestRefactor(issueID, reason string) error {
	return g.decide(issueID, Decision{Refactor: true, Reason: reason})
}

func (g *Gate) decide(issueID string, d Decision) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.waiting[issueID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAwaitingReview, issueID)
	}
	delete(g.waiting, issueID)
	w.decision <- d
	return nil
}

// PendingReviews returns the parked issues, oldest first.
func (g *Gate) PendingReviews() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Pending, 0, len(g.waiting))
	for _, w := range g.waiting {
		p := w.Pending
		p.Files = slices.Clone(w.Files)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].IssueID < out[j].IssueID
	})
	return out
}

// IsAwaitingReview reports whether issueID is parked.
func (g *Gate) IsAwaitingReview(issueID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.waiting[issueID]
	return ok
}
