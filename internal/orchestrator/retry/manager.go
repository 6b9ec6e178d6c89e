// Package retry tracks the bounded fix loop for each issue in flight.
//
// An issue's retry count starts at zero when a worker selects it and again
// after a reviewer requests a refactor. Each attributable verification
// failure followed by a fix attempt consumes one retry; once the count has
// reached the configured maximum the next failure exhausts the budget and
// the issue is blocked. Audit fix passes are counted separately and never
// consume the retry budget.
package retry

import (
	"fmt"
	"sync"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// IssueState tracks retry attempts for one issue.
type IssueState struct {
	IssueID    string `json:"issue_id"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	AuditFixes int    `json:"audit_fixes"`
	Refactors  int    `json:"refactors,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`
}

// Remaining returns how many fix attempts are left.
func (s IssueState) Remaining() int {
	return max(0, s.MaxRetries-s.RetryCount)
}

// Manager manages retry state for issues.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*IssueState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*IssueState),
	}
}

// Begin starts fresh retry state for an issue with the run's maxRetries,
// replacing anything left from an earlier assignment.
func (m *Manager) Begin(issueID string, maxRetries int) IssueState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &IssueState{IssueID: issueID, MaxRetries: max(0, maxRetries)}
	m.states[issueID] = state
	return *state
}

// TryFix records an attributable failure. If the budget still has room the
// retry count is incremented and the new count is returned; the caller then
// runs a fix attempt. If the count already equals the maximum the state is
// marked exhausted and an error wrapping errors.ErrRetryExhausted is
// returned.
func (m *Manager) TryFix(issueID, failure string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[issueID]
	if !ok {
		return 0, fmt.Errorf("retry state for %s: %w", issueID, errors.ErrIssueNotFound)
	}
	state.LastError = failure
	if state.RetryCount >= state.MaxRetries {
		state.Exhausted = true
		return state.RetryCount, fmt.Errorf("issue %s after %d fix attempts: %w",
			issueID, state.RetryCount, errors.ErrRetryExhausted)
	}
	state.RetryCount++
	return state.RetryCount, nil
}

// RecordAuditFix counts an audit fix pass and returns the new total.
func (m *Manager) RecordAuditFix(issueID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[issueID]
	if !ok {
		return 0
	}
	state.AuditFixes++
	return state.AuditFixes
}

// ResetForRefactor zeroes the retry count after a reviewer sends the issue
// back to working. The audit counter is kept.
func (m *Manager) ResetForRefactor(issueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[issueID]
	if !ok {
		return
	}
	state.RetryCount = 0
	state.Exhausted = false
	state.LastError = ""
	state.Refactors++
}

// GetState returns a copy of the retry state for an issue.
func (m *Manager) GetState(issueID string) (IssueState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[issueID]
	if !ok {
		return IssueState{}, false
	}
	return *state, true
}

// Forget drops the state for an issue once it leaves its worker.
func (m *Manager) Forget(issueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, issueID)
}

// ResetAll clears all retry state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*IssueState)
}
