package phase

import (
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// Transition is one entry of a Machine's history.
type Transition struct {
	From      Phase     `json:"from,omitempty"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ChangeFunc is called after every successful transition with the history
// entry it appended.
type ChangeFunc func(Transition)

// TransitionError wraps a rejected transition.
type TransitionError struct {
	IssueID string
	From    Phase
	To      Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("issue %s: phase transition from %s to %s not allowed", e.IssueID, e.From, e.To)
}

// Unwrap lets errors.Is match errors.ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return errors.ErrInvalidTransition
}

// Machine tracks the phase of a single issue. It starts in Selecting.
// Safe for concurrent use: the orchestrator reads it for snapshots while
// the owning worker advances it.
type Machine struct {
	mu       sync.RWMutex
	issueID  string
	current  Phase
	entered  time.Time
	history  []Transition
	onChange []ChangeFunc
	now      func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides time.Now for history timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithChangeFunc registers a callback invoked after each transition.
func WithChangeFunc(fn ChangeFunc) MachineOption {
	return func(m *Machine) {
		if fn != nil {
			m.onChange = append(m.onChange, fn)
		}
	}
}

// NewMachine creates a Machine for issueID in the Selecting phase.
func NewMachine(issueID string, opts ...MachineOption) *Machine {
	m := &Machine{
		issueID: issueID,
		current: Selecting,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.entered = m.now()
	m.history = []Transition{{To: Selecting, Timestamp: m.entered}}
	return m
}

// IssueID returns the issue this machine tracks.
func (m *Machine) IssueID() string {
	return m.issueID
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// EnteredAt returns when the current phase was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entered
}

// Transition moves to the target phase. Transitions not in ValidTransitions
// return a *TransitionError matching errors.ErrInvalidTransition and leave
// the machine unchanged.
func (m *Machine) Transition(to Phase, reason string) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{IssueID: m.issueID, From: from, To: to}
	}
	now := m.now()
	m.current = to
	m.entered = now
	t := Transition{From: from, To: to, Timestamp: now, Reason: reason}
	m.history = append(m.history, t)
	callbacks := m.onChange
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(t)
	}
	return nil
}

// History returns a copy of the transitions, oldest first. The first entry
// records entering Selecting.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Visits counts how many times the machine has entered p.
func (m *Machine) Visits(p Phase) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.history {
		if t.To == p {
			n++
		}
	}
	return n
}

// TimeIn returns the total time spent in p. The current phase counts up to now.
func (m *Machine) TimeIn(p Phase) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total time.Duration
	for i, t := range m.history {
		if t.To != p {
			continue
		}
		if i+1 < len(m.history) {
			total += m.history[i+1].Timestamp.Sub(t.Timestamp)
		} else {
			total += m.now().Sub(t.Timestamp)
		}
	}
	return total
}
