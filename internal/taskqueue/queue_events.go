package taskqueue

import (
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/issue"
)

// Queue change reasons carried by QueueChangedEvent.
const (
	ReasonAdded     = "added"
	ReasonAssigned  = "assigned"
	ReasonRequeued  = "requeued"
	ReasonCompleted = "completed"
	ReasonBlocked   = "blocked"
	ReasonUnblocked = "unblocked"
	ReasonRemoved   = "removed"
	ReasonUpdated   = "updated"
)

// EventQueue wraps a Queue and publishes a QueueChangedEvent after every
// successful mutation. Reads pass straight through to the embedded Queue.
type EventQueue struct {
	*Queue
	bus *event.Bus
}

// NewEventQueue creates an EventQueue that publishes on bus.
func NewEventQueue(q *Queue, bus *event.Bus) *EventQueue {
	return &EventQueue{Queue: q, bus: bus}
}

func (eq *EventQueue) publish(reason, id string) {
	eq.bus.Publish(event.NewQueueChangedEvent(reason, id, eq.Queue.Len()))
}

// Add enqueues an issue and publishes "added".
func (eq *EventQueue) Add(iss issue.Issue) error {
	if err := eq.Queue.Add(iss); err != nil {
		return err
	}
	eq.publish(ReasonAdded, iss.ID)
	return nil
}

// Next assigns the next eligible issue and publishes "assigned".
func (eq *EventQueue) Next(workerID string, threshold int, exclude ...string) (issue.Issue, bool) {
	iss, ok := eq.Queue.Next(workerID, threshold, exclude...)
	if ok {
		eq.publish(ReasonAssigned, iss.ID)
	}
	return iss, ok
}

// Requeue returns an issue to pending and publishes "requeued".
func (eq *EventQueue) Requeue(id string, front bool) error {
	if err := eq.Queue.Requeue(id, front); err != nil {
		return err
	}
	eq.publish(ReasonRequeued, id)
	return nil
}

// Complete removes a finished issue and publishes "completed".
func (eq *EventQueue) Complete(id string) error {
	if err := eq.Queue.Complete(id); err != nil {
		return err
	}
	eq.publish(ReasonCompleted, id)
	return nil
}

// Block parks an issue and publishes "blocked".
func (eq *EventQueue) Block(id, reason string) error {
	if err := eq.Queue.Block(id, reason); err != nil {
		return err
	}
	eq.publish(ReasonBlocked, id)
	return nil
}

// Unblock re-queues a blocked issue and publishes "unblocked".
func (eq *EventQueue) Unblock(id string) error {
	if err := eq.Queue.Unblock(id); err != nil {
		return err
	}
	eq.publish(ReasonUnblocked, id)
	return nil
}

// Remove drops an issue and publishes "removed".
func (eq *EventQueue) Remove(id string) error {
	if err := eq.Queue.Remove(id); err != nil {
		return err
	}
	eq.publish(ReasonRemoved, id)
	return nil
}

// Update refreshes an issue snapshot and publishes "updated".
func (eq *EventQueue) Update(iss issue.Issue) error {
	if err := eq.Queue.Update(iss); err != nil {
		return err
	}
	eq.publish(ReasonUpdated, iss.ID)
	return nil
}

// RemoveIf drops matching entries and publishes "removed" for each.
func (eq *EventQueue) RemoveIf(drop func(Entry) bool) []string {
	ids := eq.Queue.RemoveIf(drop)
	for _, id := range ids {
		eq.publish(ReasonRemoved, id)
	}
	return ids
}
