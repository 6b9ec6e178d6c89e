package phase

import (
	"testing"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestMachineHappyPath(t *testing.T) {
	var changes []Transition
	m := NewMachine("bd-1", WithChangeFunc(func(tr Transition) {
		changes = append(changes, tr)
	}))

	if m.Current() != Selecting {
		t.Fatalf("initial phase = %s, want selecting", m.Current())
	}

	path := []Phase{Working, SelfReview, Testing, Fixing, Testing, HumanReview, Committing, Done}
	for _, p := range path {
		if err := m.Transition(p, "enter "+string(p)); err != nil {
			t.Fatalf("Transition(%s) error: %v", p, err)
		}
	}

	if m.Current() != Done {
		t.Errorf("final phase = %s, want done", m.Current())
	}
	if got := m.Visits(Testing); got != 2 {
		t.Errorf("Visits(testing) = %d, want 2", got)
	}
	if len(changes) != len(path) {
		t.Errorf("callback fired %d times, want %d", len(changes), len(path))
	}
	if changes[3].From != Testing || changes[3].To != Fixing || changes[3].Reason != "enter fixing" {
		t.Errorf("changes[3] = %+v", changes[3])
	}
	if changes[3].Timestamp.IsZero() {
		t.Error("callback transition has no timestamp")
	}

	hist := m.History()
	if len(hist) != len(path)+1 {
		t.Fatalf("history length = %d, want %d", len(hist), len(path)+1)
	}
	if hist[0].To != Selecting || hist[0].From != "" {
		t.Errorf("first history entry = %+v", hist[0])
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine("bd-2")
	if err := m.Transition(Working, ""); err != nil {
		t.Fatal(err)
	}

	err := m.Transition(Committing, "skip ahead")
	if err == nil {
		t.Fatal("expected error for working -> committing")
	}
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("error %v does not match ErrInvalidTransition", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != Working || te.To != Committing {
		t.Errorf("unexpected TransitionError: %+v", te)
	}
	if m.Current() != Working {
		t.Errorf("phase changed after rejected transition: %s", m.Current())
	}
	if len(m.History()) != 2 {
		t.Errorf("rejected transition was recorded")
	}
}

func TestMachineTerminal(t *testing.T) {
	m := NewMachine("bd-3")
	if err := m.Transition(Working, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Blocked, "retries exhausted"); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Working, ""); err == nil {
		t.Error("transition out of blocked should fail")
	}
	hist := m.History()
	if hist[len(hist)-1].Reason != "retries exhausted" {
		t.Errorf("reason not recorded: %+v", hist[len(hist)-1])
	}
}

func TestMachineTimeIn(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	m := NewMachine("bd-4", WithClock(clock.now)) // selecting at +1s

	_ = m.Transition(Working, "")    // +2s
	_ = m.Transition(SelfReview, "") // +3s
	_ = m.Transition(Testing, "")    // +4s
	_ = m.Transition(Fixing, "")     // +5s
	_ = m.Transition(Testing, "")    // +6s
	_ = m.Transition(Committing, "") // +7s
	_ = m.Transition(Done, "")       // +8s

	if got := m.TimeIn(Testing); got != 2*time.Second {
		t.Errorf("TimeIn(testing) = %v, want 2s", got)
	}
	if got := m.TimeIn(Working); got != time.Second {
		t.Errorf("TimeIn(working) = %v, want 1s", got)
	}
	if got := m.TimeIn(HumanReview); got != 0 {
		t.Errorf("TimeIn(human_review) = %v, want 0", got)
	}
}
