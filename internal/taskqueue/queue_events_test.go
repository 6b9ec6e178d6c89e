package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autobuild/internal/event"
)

func TestEventQueuePublishesOnMutation(t *testing.T) {
	bus := event.NewBus(nil)
	var got []event.QueueChangedEvent
	bus.Subscribe(event.TypeQueueChanged, func(e event.Event) {
		got = append(got, e.(event.QueueChangedEvent))
	})

	eq := NewEventQueue(New(), bus)
	require.NoError(t, eq.Add(mkIssue("a", 1, 0, 0)))
	require.NoError(t, eq.Add(mkIssue("b", 1, 0, 0)))

	a, ok := eq.Next("worker-1", 4)
	require.True(t, ok)
	require.NoError(t, eq.Requeue(a.ID, true))
	a, _ = eq.Next("worker-1", 4)
	require.NoError(t, eq.Complete(a.ID))
	require.NoError(t, eq.Remove("b"))

	reasons := make([]string, len(got))
	for i, e := range got {
		reasons[i] = e.Reason
	}
	assert.Equal(t, []string{
		ReasonAdded, ReasonAdded, ReasonAssigned, ReasonRequeued,
		ReasonAssigned, ReasonCompleted, ReasonRemoved,
	}, reasons)
	assert.Equal(t, 0, got[len(got)-1].Length)
}

func TestEventQueueNoEventOnFailure(t *testing.T) {
	bus := event.NewBus(nil)
	count := 0
	bus.SubscribeAll(func(event.Event) { count++ })

	eq := NewEventQueue(New(), bus)
	assert.Error(t, eq.Complete("missing"))
	_, ok := eq.Next("worker-1", 4)
	assert.False(t, ok)
	assert.Zero(t, count)
}
