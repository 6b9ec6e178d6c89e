package orchestrator

import (
	"github.com/Iron-Ham/autobuild/internal/event"
)

// appendLog records a user-facing log entry, mirrors it into the structured
// log, and publishes it on the bus.
func (o *Orchestrator) appendLog(sev Severity, msg, issueID, workerID string) {
	entry := LogEntry{
		Time:     o.now(),
		Severity: sev,
		Message:  msg,
		IssueID:  issueID,
		WorkerID: workerID,
	}

	o.mu.Lock()
	o.logs = append(o.logs, entry)
	var runID string
	if o.run != nil {
		runID = o.run.id
	}
	o.mu.Unlock()

	l := o.logger
	if runID != "" {
		l = l.WithRun(runID)
	}
	if workerID != "" {
		l = l.WithWorker(workerID)
	}
	if issueID != "" {
		l = l.WithIssue(issueID)
	}
	switch sev {
	case SeverityError:
		l.Error(msg)
	case SeverityWarning:
		l.Warn(msg)
	case SeverityAgent:
		l.Debug(msg, "source", "agent")
	default:
		l.Info(msg, "severity", string(sev))
	}

	o.bus.Publish(event.NewLogAppendedEvent(string(sev), msg, issueID))
}

// ClearLogs empties the run log.
func (o *Orchestrator) ClearLogs() {
	o.mu.Lock()
	o.logs = nil
	o.mu.Unlock()
}

// Logs returns a copy of the run log.
func (o *Orchestrator) Logs() []LogEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]LogEntry, len(o.logs))
	copy(out, o.logs)
	return out
}
