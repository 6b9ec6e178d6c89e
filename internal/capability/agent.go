package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Iron-Ham/autobuild/internal/logging"
)

// Environment variables passed to agent processes.
const (
	EnvLockAddr = "AUTOBUILD_LOCK_ADDR"
	EnvWorkerID = "AUTOBUILD_WORKER_ID"
	EnvIssueID  = "AUTOBUILD_ISSUE_ID"
)

// Agent runs an external coding agent once per call. The Request is written
// to the agent's stdin as JSON and a Result is read from its stdout; output
// wrapped in a markdown code fence is accepted. Agent implements
// Implementer, Reviewer, Auditor, and Fixer.
type Agent struct {
	command  string
	args     []string
	dir      string
	lockAddr string
	run      runner
	logger   *logging.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLockAddr tells agents where the control socket listens so they can
// lock files before writing.
func WithLockAddr(addr string) AgentOption {
	return func(a *Agent) { a.lockAddr = addr }
}

// WithAgentLogger sets the logger.
func WithAgentLogger(l *logging.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAgent creates an Agent running command with args in dir.
func NewAgent(command string, args []string, dir string, opts ...AgentOption) *Agent {
	a := &Agent{
		command: command,
		args:    args,
		dir:     dir,
		run:     execRunner,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Available reports whether the agent command can be found.
func (a *Agent) Available() error {
	return LookPath("agent", a.command)
}

// Implement runs the agent with KindImplement.
func (a *Agent) Implement(ctx context.Context, req Request) (Result, error) {
	req.Kind = KindImplement
	return a.call(ctx, req)
}

// Review runs the agent with KindReview.
func (a *Agent) Review(ctx context.Context, req Request) (Result, error) {
	req.Kind = KindReview
	return a.call(ctx, req)
}

// Audit runs the agent with KindAudit for one audit kind.
func (a *Agent) Audit(ctx context.Context, kind AuditKind, req Request) (Result, error) {
	req.Kind = KindAudit
	req.Audit = kind
	return a.call(ctx, req)
}

// Fix runs the agent with KindFix, or KindAuditFix when the request already
// carries that kind.
func (a *Agent) Fix(ctx context.Context, req Request) (Result, error) {
	if req.Kind != KindAuditFix {
		req.Kind = KindFix
	}
	return a.call(ctx, req)
}

func (a *Agent) call(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode agent request: %w", err)
	}

	env := []string{EnvWorkerID + "=" + req.WorkerID, EnvIssueID + "=" + req.IssueID}
	if a.lockAddr != "" {
		env = append(env, EnvLockAddr+"="+a.lockAddr)
	}

	a.logger.Debug("invoking agent", "kind", req.Kind, "issue_id", req.IssueID, "worker_id", req.WorkerID)
	res, err := a.run(ctx, command{
		Dir:   a.dir,
		Env:   env,
		Stdin: payload,
		Name:  a.command,
		Args:  a.args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("run agent %s: %w", a.command, err)
	}
	if res.ExitCode != 0 {
		return Result{}, fmt.Errorf("agent %s (%s) exited with status %d: %s",
			a.command, req.Kind, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	body := extractJSON(strings.TrimSpace(string(res.Stdout)))
	var out Result
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return Result{}, fmt.Errorf("parse agent %s response: %w\nresponse: %s", req.Kind, err, body)
	}
	return out, nil
}

// extractJSON extracts a JSON object from output that might be wrapped in a
// markdown code block or surrounded by chatter.
func extractJSON(s string) string {
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}
