package retry

import (
	"sync"
	"testing"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

func TestBegin(t *testing.T) {
	m := NewManager()
	state := m.Begin("bd-1", 2)
	if state.IssueID != "bd-1" || state.MaxRetries != 2 || state.RetryCount != 0 {
		t.Errorf("Begin() = %+v", state)
	}

	// A second Begin discards earlier progress.
	if _, err := m.TryFix("bd-1", "boom"); err != nil {
		t.Fatal(err)
	}
	m.Begin("bd-1", 2)
	if st, _ := m.GetState("bd-1"); st.RetryCount != 0 || st.Remaining() != 2 {
		t.Errorf("state after re-Begin = %+v, want a fresh budget", st)
	}

	if got := m.Begin("bd-2", -1).MaxRetries; got != 0 {
		t.Errorf("negative maxRetries clamped to %d, want 0", got)
	}
}

func TestTryFixBound(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		failures   int
		wantFixes  int
	}{
		{"zero budget blocks on first failure", 0, 1, 0},
		{"one retry", 1, 2, 1},
		{"two retries, three failures", 2, 3, 2},
		{"three retries", 3, 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			m.Begin("bd-1", tt.maxRetries)

			fixes := 0
			var lastErr error
			for i := 0; i < tt.failures; i++ {
				_, err := m.TryFix("bd-1", "test failed")
				if err != nil {
					lastErr = err
					break
				}
				fixes++
			}

			if fixes != tt.wantFixes {
				t.Errorf("fix attempts = %d, want %d", fixes, tt.wantFixes)
			}
			if !errors.Is(lastErr, errors.ErrRetryExhausted) {
				t.Errorf("final error = %v, want ErrRetryExhausted", lastErr)
			}
			state, _ := m.GetState("bd-1")
			if !state.Exhausted || state.Remaining() != 0 {
				t.Errorf("state after exhaustion = %+v", state)
			}
			if state.LastError != "test failed" {
				t.Errorf("LastError = %q", state.LastError)
			}
		})
	}
}

func TestTryFixUnknownIssue(t *testing.T) {
	m := NewManager()
	if _, err := m.TryFix("missing", ""); !errors.Is(err, errors.ErrIssueNotFound) {
		t.Errorf("TryFix(missing) = %v, want ErrIssueNotFound", err)
	}
}

func TestAuditFixesDoNotConsumeRetries(t *testing.T) {
	m := NewManager()
	m.Begin("bd-1", 1)

	for i := 1; i <= 3; i++ {
		if got := m.RecordAuditFix("bd-1"); got != i {
			t.Errorf("RecordAuditFix() = %d, want %d", got, i)
		}
	}
	if _, err := m.TryFix("bd-1", ""); err != nil {
		t.Errorf("retry budget consumed by audit fixes: %v", err)
	}
	if got := m.RecordAuditFix("missing"); got != 0 {
		t.Errorf("RecordAuditFix(missing) = %d, want 0", got)
	}
}

func TestResetForRefactor(t *testing.T) {
	m := NewManager()
	m.Begin("bd-1", 1)
	m.RecordAuditFix("bd-1")
	if _, err := m.TryFix("bd-1", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryFix("bd-1", "y"); err == nil {
		t.Fatal("expected exhaustion")
	}

	m.ResetForRefactor("bd-1")
	state, _ := m.GetState("bd-1")
	if state.RetryCount != 0 || state.Exhausted || state.Refactors != 1 {
		t.Errorf("state after refactor = %+v", state)
	}
	if state.AuditFixes != 1 {
		t.Errorf("AuditFixes = %d, want 1 (kept across refactor)", state.AuditFixes)
	}
	if _, err := m.TryFix("bd-1", "z"); err != nil {
		t.Errorf("TryFix after refactor = %v, want nil", err)
	}
}

func TestForgetAndResetAll(t *testing.T) {
	m := NewManager()
	m.Begin("a", 0)
	m.Begin("b", 0)
	m.Begin("c", 1)
	_, _ = m.TryFix("a", "")

	if st, _ := m.GetState("a"); !st.Exhausted {
		t.Errorf("state a = %+v, want exhausted", st)
	}

	m.Forget("a")
	if _, ok := m.GetState("a"); ok {
		t.Error("state still present after Forget")
	}
	if _, ok := m.GetState("b"); !ok {
		t.Error("Forget dropped another issue's state")
	}

	m.ResetAll()
	for _, id := range []string{"b", "c"} {
		if _, ok := m.GetState(id); ok {
			t.Errorf("ResetAll left state for %s", id)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	m.Begin("shared", 3)

	var wg sync.WaitGroup
	fixes := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := m.TryFix("shared", ""); err == nil {
				fixes <- n
			}
		}()
	}
	wg.Wait()
	close(fixes)

	count := 0
	for range fixes {
		count++
	}
	if count != 3 {
		t.Errorf("granted %d fixes, want exactly 3", count)
	}
}
