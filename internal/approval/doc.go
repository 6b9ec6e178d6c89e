// Package approval provides the human review gate.
//
// When human review is enabled, a worker that finishes verification parks its
// issue in the gate and blocks in [Gate.Await]. The issue stays parked until a
// reviewer either accepts it with [Gate.Approve] or sends it back with
// [Gate.RequestRefactor], or until the worker's context is cancelled by a
// skip or stop.
//
// # Usage
//
//	gate := approval.NewGate(bus)
//
//	// worker goroutine
//	decision, err := gate.Await(ctx, issueID, workerID, files)
//	if err != nil {
//	    // skipped or stopped while parked
//	}
//	if decision.Refactor {
//	    // back to working with decision.Reason
//	}
//
//	// reviewer (CLI, control socket)
//	err = gate.Approve(issueID)
//	err = gate.RequestRefactor(issueID, "split the handler")
//
// # Thread Safety
//
// All methods on [Gate] are safe for concurrent use via an internal mutex.
package approval
