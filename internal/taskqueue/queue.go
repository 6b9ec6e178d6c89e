package taskqueue

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/issue"
)

// Queue is the backlog scheduler. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextSeq int64
	minSeq  int64
	now     func() time.Time
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// newFromEntries rebuilds a Queue from persisted entries. Assignments do not
// survive a restart: assigned entries return to pending at the front.
func newFromEntries(entries []*Entry) *Queue {
	q := New()
	for _, e := range entries {
		if e.State == StateAssigned {
			e.State = StatePending
			e.AssignedTo = ""
			e.AssignedAt = nil
		}
		q.entries[e.Issue.ID] = e
		q.nextSeq = max(q.nextSeq, e.Seq+1)
		q.minSeq = min(q.minSeq, e.Seq)
	}
	return q
}

// Add enqueues an issue. Closed issues and duplicates are rejected.
func (q *Queue) Add(iss issue.Issue) error {
	if iss.ID == "" {
		return errors.New("issue id must not be empty")
	}
	if iss.IsClosed() {
		return fmt.Errorf("%s: %w", iss.ID, errors.ErrIssueClosed)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[iss.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, iss.ID)
	}
	q.entries[iss.ID] = &Entry{Issue: iss, State: StatePending, Seq: q.nextSeq}
	q.nextSeq++
	return nil
}

// Next selects the first eligible entry in dequeue order and assigns it to
// workerID in the same critical section. Entries whose priority exceeds
// threshold, blocked entries, and assigned entries are never eligible.
// An id in exclude is passed over unless nothing else is eligible.
func (q *Queue) Next(workerID string, threshold int, exclude ...string) (issue.Issue, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if workerID == "" {
		return issue.Issue{}, false
	}

	var best, fallback *Entry
	for _, e := range q.entries {
		if !eligible(e, threshold) {
			continue
		}
		if slices.Contains(exclude, e.Issue.ID) {
			if fallback == nil || Less(e, fallback) {
				fallback = e
			}
			continue
		}
		if best == nil || Less(e, best) {
			best = e
		}
	}
	if best == nil {
		best = fallback
	}
	if best == nil {
		return issue.Issue{}, false
	}

	now := q.now()
	best.State = StateAssigned
	best.AssignedTo = workerID
	best.AssignedAt = &now
	return best.Issue, true
}

func eligible(e *Entry, threshold int) bool {
	return e.State == StatePending && e.Issue.Priority <= threshold
}

// HasEligible reports whether Next would return an issue for threshold.
func (q *Queue) HasEligible(threshold int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if eligible(e, threshold) {
			return true
		}
	}
	return false
}

// Requeue returns an assigned issue to pending, unmodified. With front set
// it sorts ahead of every other entry with the same tag, priority, and
// creation time.
func (q *Queue) Requeue(id string, front bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if e.State != StateAssigned {
		return fmt.Errorf("%w: cannot requeue %s from %s", ErrInvalidTransition, id, e.State)
	}
	e.State = StatePending
	e.AssignedTo = ""
	e.AssignedAt = nil
	if front {
		q.minSeq--
		e.Seq = q.minSeq
	}
	return nil
}

// Complete removes an assigned issue from the queue.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if e.State != StateAssigned {
		return fmt.Errorf("%w: cannot complete %s from %s", ErrInvalidTransition, id, e.State)
	}
	delete(q.entries, id)
	return nil
}

// Block moves an assigned issue out of the eligible set.
func (q *Queue) Block(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if e.State != StateAssigned {
		return fmt.Errorf("%w: cannot block %s from %s", ErrInvalidTransition, id, e.State)
	}
	e.State = StateBlocked
	e.AssignedTo = ""
	e.AssignedAt = nil
	e.BlockedReason = reason
	return nil
}

// Unblock returns a blocked issue to pending.
func (q *Queue) Unblock(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if e.State != StateBlocked {
		return fmt.Errorf("%w: cannot unblock %s from %s", ErrInvalidTransition, id, e.State)
	}
	e.State = StatePending
	e.BlockedReason = ""
	return nil
}

// Remove drops a pending or blocked issue. Assigned issues must be skipped
// or finished first.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if e.State == StateAssigned {
		return fmt.Errorf("%w: %s is assigned to %s", ErrInvalidTransition, id, e.AssignedTo)
	}
	delete(q.entries, id)
	return nil
}

// Update replaces the issue snapshot of a queued entry, keeping its state.
func (q *Queue) Update(iss issue.Issue) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[iss.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, iss.ID)
	}
	e.Issue = iss
	return nil
}

// RemoveIf drops every unassigned entry for which drop returns true and
// returns the removed ids in dequeue order.
func (q *Queue) RemoveIf(drop func(Entry) bool) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*Entry
	for id, e := range q.entries {
		if e.State != StateAssigned && drop(*e) {
			removed = append(removed, e)
			delete(q.entries, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return Less(removed[i], removed[j]) })

	ids := make([]string, len(removed))
	for i, e := range removed {
		ids[i] = e.Issue.ID
	}
	return ids
}

// Get returns a copy of the entry for id.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Entries returns copies of all entries in dequeue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	sorted := q.sortedLocked()
	out := make([]Entry, len(sorted))
	for i, e := range sorted {
		out[i] = copyEntry(e)
	}
	q.mu.Unlock()
	return out
}

// Len returns the number of queued entries in any state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of the state counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Total: len(q.entries)}
	for _, e := range q.entries {
		switch e.State {
		case StatePending:
			s.Pending++
		case StateAssigned:
			s.Assigned++
		case StateBlocked:
			s.Blocked++
		}
	}
	return s
}

func (q *Queue) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

func copyEntry(e *Entry) Entry {
	cp := *e
	cp.Issue.Labels = slices.Clone(e.Issue.Labels)
	if e.AssignedAt != nil {
		t := *e.AssignedAt
		cp.AssignedAt = &t
	}
	return cp
}
