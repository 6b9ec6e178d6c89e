// Package event provides a pub-sub event bus that decouples the
// orchestrator from its observers.
//
// The orchestrator, lock coordinator, and approval gate publish events; the
// monitor, the control socket, and the run log subscribe to them. Publishers
// never know who is listening.
//
// # Event Categories
//
// Locks:
//   - [LockAcquiredEvent], [LockReleasedEvent], [LockExpiredEvent]
//
// Pipeline:
//   - [PhaseChangedEvent]: an issue moved between pipeline phases
//   - [IssueCompletedEvent], [IssueBlockedEvent], [ReviewRequestedEvent]
//   - [PROpenedEvent]: an epic branch was pushed and a pull request opened
//
// Orchestrator:
//   - [StatusChangedEvent], [QueueChangedEvent], [LogAppendedEvent]
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine and a panicking handler does not stop delivery to
// the rest.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypePhaseChanged, func(e event.Event) {
//	    pc := e.(event.PhaseChangedEvent)
//	    fmt.Println(pc.IssueID, pc.From, "->", pc.To)
//	})
package event
