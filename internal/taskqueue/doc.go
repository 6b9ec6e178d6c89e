// Package taskqueue holds the backlog of issues waiting for a worker and
// decides which one an idle worker gets next.
//
// Entries are ordered by phase tag (P1..P5, tagged before untagged), then by
// priority (0 first), then by creation time, then by insertion sequence.
// [Queue.Next] performs selection and assignment in one critical section, so
// two workers can never be handed the same issue.
//
// Queue state can be saved to and restored from the run's state directory,
// guarded by flock(2), so a later run can resume the backlog.
//
// Usage:
//
//	q := taskqueue.New()
//	q.Add(issueA)
//	q.Add(issueB)
//
//	iss, ok := q.Next("worker-1", settings.PriorityThreshold)
//	if ok {
//	    // ... run the pipeline ...
//	    q.Complete(iss.ID)
//	}
package taskqueue
