// Package logging provides structured logging for Auto Build runs.
//
// It wraps log/slog with a JSON handler that writes to a file in the run's
// state directory (or stderr), and adds child loggers that carry run, worker,
// issue, and phase context:
//
//	logger, err := logging.NewLogger(".autobuild", logging.LevelInfo)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	wl := logger.WithRun(runID).WithWorker("worker-1")
//	wl.WithIssue("bd-42").WithPhase("testing").Info("verification passed")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"verification passed","run_id":"...","worker_id":"worker-1","issue_id":"bd-42","phase":"testing"}
//
// This is the operator-facing debug log. The user-facing log stream shown by
// the monitor is the orchestrator's LogEntry list, which is mirrored here.
//
// Use [NopLogger] in tests to discard output.
package logging
