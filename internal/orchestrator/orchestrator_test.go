package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/issue"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/phase"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

func TestNewRequiresImplementer(t *testing.T) {
	_, err := New(config.Default(), issue.NewMemoryStore(), capability.Set{})
	assert.ErrorIs(t, err, errors.ErrCapabilityUnavailable)
}

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t, testSettings(), nil, mkIssue("A", 1, 3))

	err := h.o.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrEmptyQueue, "empty queue")

	h.enqueue(t, "A")
	_, err = h.o.UpdateSettings(SettingsPatch{PriorityThreshold: ptr(1)})
	require.NoError(t, err)
	err = h.o.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrEmptyQueue, "only issue is above the threshold")

	assert.ErrorIs(t, h.o.Pause(), errors.ErrInvalidState)
	assert.ErrorIs(t, h.o.Resume(), errors.ErrInvalidState)
	assert.ErrorIs(t, h.o.Stop(context.Background()), errors.ErrInvalidState)
	assert.ErrorIs(t, h.o.SkipCurrent(""), errors.ErrInvalidState)
}

func TestSettingsLockedUnlessIdle(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.enqueue(t, "A")
	h.start(t)
	h.waitReview(t, "A")

	_, err := h.o.UpdateSettings(SettingsPatch{MaxRetries: ptr(3)})
	require.ErrorIs(t, err, errors.ErrSettingsLocked)
	assert.Equal(t, 2, h.o.Settings().MaxRetries)

	require.NoError(t, h.o.Pause())
	_, err = h.o.UpdateSettings(SettingsPatch{MaxRetries: ptr(3)})
	require.ErrorIs(t, err, errors.ErrSettingsLocked, "paused is not idle")

	require.NoError(t, h.o.Stop(context.Background()))
	updated, err := h.o.UpdateSettings(SettingsPatch{MaxRetries: ptr(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MaxRetries)

	_, err = h.o.UpdateSettings(SettingsPatch{WorkerCount: ptr(11)})
	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "settings.worker_count", verrs[0].Field)
}

func TestRetryBoundBlocksAfterMaxRetries(t *testing.T) {
	s := testSettings()
	s.MaxRetries = 2
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.agent.verify = func(id string, _ int) capability.StepResult {
		return fail("pkg/" + id + "/main.go")
	}
	h.enqueue(t, "A")
	h.start(t)
	h.waitIdle(t)

	entry, ok := h.o.Queue().Get("A")
	require.True(t, ok)
	assert.Equal(t, taskqueue.StateBlocked, entry.State)
	assert.Contains(t, entry.BlockedReason, errors.ErrRetryExhausted.Error())
	assert.Equal(t, 2, h.agent.fixCount("A"), "two fix attempts")
	assert.Equal(t, 3, h.agent.verifyCalls["A"], "three attributable failures")
	assert.Empty(t, h.o.Snapshot().Completed)
	assert.Empty(t, h.heldBy("worker-1"))

	var sawExhaustion bool
	for _, l := range h.o.Logs() {
		if l.Severity == SeverityError && l.IssueID == "A" {
			sawExhaustion = true
		}
	}
	assert.True(t, sawExhaustion, "retry exhaustion is logged as an error")
}

func TestUnrelatedFailurePassesThrough(t *testing.T) {
	h := newHarness(t, testSettings(), nil, mkIssue("A", 1, 0))
	h.agent.verify = func(string, int) capability.StepResult {
		return fail("vendor/legacy/parser.go")
	}
	h.enqueue(t, "A")
	h.start(t)
	h.waitIdle(t)

	assert.Equal(t, []string{"A"}, completedIDs(h.o.Snapshot()))
	assert.Zero(t, h.agent.fixCount("A"))
	assert.Equal(t, 1, h.agent.verifyCalls["A"])
}

func TestEndToEnd(t *testing.T) {
	settings := testSettings()
	settings.MaxRetries = 1

	issues := []issue.Issue{mkIssue("A", 1, 0), mkIssue("B", 2, 0)}

	t.Run("one failure then a passing fix", func(t *testing.T) {
		h := newHarness(t, settings, nil, issues...)
		h.agent.verify = func(id string, call int) capability.StepResult {
			if id == "A" && call == 1 {
				return fail("pkg/A/main.go")
			}
			return capability.StepResult{Passed: true}
		}
		h.enqueue(t, "B", "A")
		h.start(t)
		h.waitIdle(t)

		assert.Equal(t, []string{"A", "B"}, completedIDs(h.o.Snapshot()))
		assert.Equal(t, 1, h.agent.fixCount("A"))
		assert.Zero(t, h.o.Queue().Len())
	})

	t.Run("two failures block A and the worker moves on", func(t *testing.T) {
		h := newHarness(t, settings, nil, issues...)
		h.agent.verify = func(id string, _ int) capability.StepResult {
			if id == "A" {
				return fail("pkg/A/main.go")
			}
			return capability.StepResult{Passed: true}
		}
		h.enqueue(t, "A", "B")
		h.start(t)
		h.waitIdle(t)

		assert.Equal(t, []string{"B"}, completedIDs(h.o.Snapshot()))
		entry, ok := h.o.Queue().Get("A")
		require.True(t, ok)
		assert.Equal(t, taskqueue.StateBlocked, entry.State)
		assert.Equal(t, 1, h.agent.fixCount("A"))

		require.NoError(t, h.o.Unblock("A"))
		entry, _ = h.o.Queue().Get("A")
		assert.Equal(t, taskqueue.StatePending, entry.State)
	})
}

func TestAtMostOneAssignment(t *testing.T) {
	s := testSettings()
	s.WorkerCount = 4
	var issues []issue.Issue
	var ids []string
	for i := range 20 {
		id := fmt.Sprintf("I%02d", i)
		issues = append(issues, mkIssue(id, 0, i%5))
		ids = append(ids, id)
	}
	h := newHarness(t, s, nil, issues...)
	h.agent.onImpl = func(capability.Request) { time.Sleep(2 * time.Millisecond) }
	h.enqueue(t, ids...)
	h.start(t)
	h.waitIdle(t)

	assert.ElementsMatch(t, ids, completedIDs(h.o.Snapshot()))
	for _, id := range ids {
		assert.Equal(t, 1, h.agent.implementCount(id), "issue %s implemented once", id)
	}
	assert.LessOrEqual(t, h.agent.maxActive, 4)
	assert.Empty(t, h.o.Snapshot().Workers, "worker state cleared after the run")
}

func TestConcurrentWorkersNeverShareALock(t *testing.T) {
	s := testSettings()
	s.WorkerCount = 3
	shared := "internal/shared/registry.go"
	var issues []issue.Issue
	for i := range 6 {
		issues = append(issues, mkIssue(fmt.Sprintf("S%d", i), 0, 0))
	}
	h := newHarness(t, s, nil, issues...)
	for _, iss := range issues {
		h.agent.files[iss.ID] = []string{shared}
	}

	var violations atomic.Int32
	h.o.Bus().Subscribe(event.TypeLockAcquired, func(e event.Event) {
		le := e.(event.LockAcquiredEvent)
		for _, l := range h.o.Locks().Locks() {
			if l.Path == le.Path && l.Owner != le.Owner {
				violations.Add(1)
			}
		}
	})
	for _, iss := range issues {
		h.enqueue(t, iss.ID)
	}
	h.start(t)
	h.waitIdle(t)

	assert.Zero(t, violations.Load())
	assert.Len(t, h.o.Snapshot().Completed, 6)
	assert.Empty(t, h.o.Locks().Locks())
}

func TestOverlappingFileSetsLockInPathOrder(t *testing.T) {
	s := testSettings()
	s.WorkerCount = 2
	h := newHarness(t, s, nil, mkIssue("X", 0, 0), mkIssue("Y", 0, 0))
	h.agent.files["X"] = []string{"pkg/z.go", "pkg/a.go"}
	h.agent.files["Y"] = []string{"pkg/a.go", "pkg/z.go"}

	// both agents finish implementing before either locks its files
	var arrived sync.WaitGroup
	arrived.Add(2)
	h.agent.onImpl = func(capability.Request) {
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	h.enqueue(t, "X", "Y")
	h.start(t)
	h.waitIdle(t)

	assert.ElementsMatch(t, []string{"X", "Y"}, completedIDs(h.o.Snapshot()))
	assert.Empty(t, h.o.Locks().Locks())
}

func TestWorkerStateCarriesPhaseHistory(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.enqueue(t, "A")
	h.start(t)
	h.waitReview(t, "A")

	ws := h.o.Snapshot().Workers[0]
	var phases []phase.Phase
	for _, tr := range ws.History {
		phases = append(phases, tr.To)
	}
	assert.Equal(t, []phase.Phase{phase.Selecting, phase.Working, phase.SelfReview, phase.Testing, phase.HumanReview}, phases)
	assert.Equal(t, "await reviewer", ws.History[len(ws.History)-1].Reason)
	require.NotNil(t, ws.PhaseSince)
	assert.Equal(t, ws.History[len(ws.History)-1].Timestamp, *ws.PhaseSince)
	assert.Equal(t, 2, ws.RetriesRemaining)
	assert.Zero(t, ws.RetryCount)

	require.NoError(t, h.o.CompleteReview("A"))
	h.waitIdle(t)
}

func TestSkipCurrentRequeuesToFront(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	// same tag and priority, so insertion sequence decides the order
	h := newHarness(t, s, nil, mkIssue("A", 1, 0), mkIssue("B", 1, 0))
	h.enqueue(t, "A", "B")
	h.start(t)
	h.waitReview(t, "A")
	require.NotEmpty(t, h.heldBy("worker-1"))

	require.NoError(t, h.o.SkipCurrent("worker-1"))

	// the skipping worker moves on to B instead of re-selecting A
	h.waitReview(t, "B")
	entry, ok := h.o.Queue().Get("A")
	require.True(t, ok)
	assert.Equal(t, taskqueue.StatePending, entry.State)
	assert.Equal(t, StatusRunning, h.o.Status())
	assert.Equal(t, []string{"pkg/B/main.go"}, h.heldBy("worker-1"))

	require.NoError(t, h.o.Stop(context.Background()))
	snap := h.o.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Workers)
	assert.Empty(t, snap.Locks)
	assert.Equal(t, 2, snap.Stats.Pending)
	assert.Equal(t, "B", snap.Queue[0].Issue.ID, "stopped issue returns to the front")
}

func TestPauseFinishesPhaseThenIdles(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0), mkIssue("B", 2, 0))
	h.enqueue(t, "A", "B")
	h.start(t)
	h.waitReview(t, "A")

	require.NoError(t, h.o.Pause())
	assert.Equal(t, StatusPaused, h.o.Status())
	require.NoError(t, h.o.CompleteReview("A"))

	require.Eventually(t, func() bool {
		return len(h.o.Snapshot().Completed) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// B must not be selected while paused
	time.Sleep(50 * time.Millisecond)
	entry, _ := h.o.Queue().Get("B")
	assert.Equal(t, taskqueue.StatePending, entry.State)

	require.NoError(t, h.o.Resume())
	h.waitReview(t, "B")
	require.NoError(t, h.o.CompleteReview("B"))
	h.waitIdle(t)
	assert.Equal(t, []string{"A", "B"}, completedIDs(h.o.Snapshot()))
}

func TestResumeRequiresNonEmptyQueue(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.enqueue(t, "A")
	h.start(t)
	h.waitReview(t, "A")
	require.NoError(t, h.o.Pause())

	// A stays assigned, so the queue is not empty yet
	require.NoError(t, h.o.Resume())
	require.NoError(t, h.o.Pause())
	require.NoError(t, h.o.CompleteReview("A"))
	require.Eventually(t, func() bool { return h.o.Queue().Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.o.Resume(), errors.ErrEmptyQueue)
	require.NoError(t, h.o.Stop(context.Background()))
}

func TestRequestRefactorReturnsToWorking(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.enqueue(t, "A")
	h.start(t)
	h.waitReview(t, "A")

	require.NoError(t, h.o.RequestRefactor("A", "split the handler"))
	require.Eventually(t, func() bool { return h.agent.implementCount("A") == 2 }, 5*time.Second, 5*time.Millisecond)
	h.waitReview(t, "A")
	require.NoError(t, h.o.CompleteReview("A"))
	h.waitIdle(t)

	h.agent.mu.Lock()
	second := h.agent.implements[1]
	h.agent.mu.Unlock()
	assert.Contains(t, second.Context, "Refactor requested: split the handler")
	assert.Equal(t, []string{"A"}, completedIDs(h.o.Snapshot()))
}

func TestAuditsRunInParallelWithOneFixPass(t *testing.T) {
	s := testSettings()
	s.Audits = config.AuditSettings{Security: true, Quality: true, Accessibility: true}
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.agent.findings = map[capability.AuditKind][]string{
		capability.AuditSecurity: {"unchecked input"},
		capability.AuditQuality:  {"long function"},
	}
	h.enqueue(t, "A")
	h.start(t)
	h.waitIdle(t)

	// no UI files were modified, so accessibility never runs
	assert.ElementsMatch(t, []capability.AuditKind{capability.AuditSecurity, capability.AuditQuality}, h.agent.audits)

	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	require.Len(t, h.agent.fixes, 1)
	fix := h.agent.fixes[0]
	assert.Equal(t, capability.KindAuditFix, fix.Kind)
	assert.Contains(t, fix.Notes, "[security] unchecked input")
	assert.Contains(t, fix.Notes, "[quality] long function")
}

func TestCommittingIsANoOpWithoutAutoCommit(t *testing.T) {
	s := testSettings()
	s.AutoCommit = false
	git := &fakeGit{}
	h := newHarness(t, s, func(a *fakeAgent) capability.Set {
		set := a.set()
		set.Git = git
		return set
	}, mkIssue("A", 1, 0))

	var mu sync.Mutex
	var phases []string
	h.o.Bus().Subscribe(event.TypePhaseChanged, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, e.(event.PhaseChangedEvent).To)
	})
	h.enqueue(t, "A")
	h.start(t)
	h.waitIdle(t)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(phases), 2)
	assert.Equal(t, []string{"committing", "done"}, phases[len(phases)-2:])
	assert.Empty(t, git.commits)
	assert.Equal(t, []string{"A"}, completedIDs(h.o.Snapshot()))
}

func TestFeatureBranchAndSinglePRPerEpic(t *testing.T) {
	s := testSettings()
	s.WorkerCount = 2
	s.AutoCommit = true
	s.UseFeatureBranches = true
	s.AutoCreatePR = true

	epic := issue.Issue{ID: "E", Title: "Checkout flow", Type: issue.TypeEpic, Status: issue.StatusOpen}
	c1 := mkIssue("E.1", 0, 1)
	c1.EpicID = "E"
	c2 := mkIssue("E.2", 0, 2)
	c2.EpicID = "E"

	git := &fakeGit{}
	pr := &fakePR{}
	h := newHarness(t, s, func(a *fakeAgent) capability.Set {
		set := a.set()
		set.Git = git
		set.PR = pr
		return set
	}, epic, c1, c2)

	added, err := h.o.AddToQueue(context.Background(), "E")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"E.1", "E.2"}, added)
	e1, _ := h.o.Queue().Get("E.1")
	assert.Equal(t, 2, e1.Issue.PhaseTag, "untagged child gets a tag from priority")

	h.start(t)
	h.waitIdle(t)
	require.Eventually(t, func() bool {
		pr.mu.Lock()
		defer pr.mu.Unlock()
		return len(pr.requests) == 1
	}, 5*time.Second, 5*time.Millisecond)

	git.mu.Lock()
	defer git.mu.Unlock()
	assert.Equal(t, []string{"autobuild/E"}, git.branches, "branch created once")
	require.Len(t, git.commits, 2)
	for _, c := range git.commits {
		assert.Equal(t, "autobuild/E", c.Branch)
	}
	assert.Equal(t, []string{"autobuild/E"}, git.pushes)
	assert.Equal(t, "Checkout flow", pr.requests[0].Title)
	assert.Len(t, h.o.Snapshot().PullRequests, 1)
}

func TestAddToQueueRejectsClosedAndDuplicates(t *testing.T) {
	closed := mkIssue("C", 1, 0)
	closed.Status = issue.StatusClosed
	h := newHarness(t, testSettings(), nil, closed, mkIssue("A", 1, 0))

	_, err := h.o.AddToQueue(context.Background(), "C")
	assert.ErrorIs(t, err, errors.ErrIssueClosed)

	h.enqueue(t, "A")
	_, err = h.o.AddToQueue(context.Background(), "A")
	assert.ErrorIs(t, err, taskqueue.ErrAlreadyQueued)

	_, err = h.o.AddToQueue(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRefreshDropsClosedIssues(t *testing.T) {
	h := newHarness(t, testSettings(), nil, mkIssue("A", 1, 0), mkIssue("B", 1, 1))
	h.enqueue(t, "A", "B")
	require.NoError(t, h.store.SetStatus("A", issue.StatusClosed))

	removed, err := h.o.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, removed)
	assert.False(t, h.queued("A"))
	assert.True(t, h.queued("B"))
}

func TestRemoveFromQueueRejectsAssigned(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0), mkIssue("B", 2, 0))
	h.enqueue(t, "A", "B")
	h.start(t)
	h.waitReview(t, "A")

	assert.ErrorIs(t, h.o.RemoveFromQueue("A"), taskqueue.ErrInvalidTransition)
	require.NoError(t, h.o.RemoveFromQueue("B"))
	assert.False(t, h.queued("B"))
}

func TestClearLogs(t *testing.T) {
	h := newHarness(t, testSettings(), nil, mkIssue("A", 1, 0))
	h.enqueue(t, "A")
	require.NotEmpty(t, h.o.Logs())

	h.o.ClearLogs()
	assert.Empty(t, h.o.Logs())
}

func TestMissingOptionalCapabilitiesWarnOnce(t *testing.T) {
	s := testSettings()
	s.WorkerCount = 1
	h := newHarness(t, s, func(a *fakeAgent) capability.Set {
		return capability.Set{Implementer: a}
	}, mkIssue("A", 1, 0), mkIssue("B", 1, 1))
	h.enqueue(t, "A", "B")
	h.start(t)
	h.waitIdle(t)

	assert.Len(t, h.o.Snapshot().Completed, 2)
	warnings := map[string]int{}
	for _, l := range h.o.Logs() {
		if l.Severity == SeverityWarning {
			warnings[l.Message]++
		}
	}
	for msg, n := range warnings {
		assert.Equal(t, 1, n, "warning %q repeated", msg)
	}
	assert.Contains(t, warnings, "Verification skipped: no verifier configured")
}

func TestWorkerPanicBlocksIssue(t *testing.T) {
	h := newHarness(t, testSettings(), nil, mkIssue("A", 1, 0), mkIssue("B", 2, 0))
	h.agent.onImpl = func(req capability.Request) {
		if req.IssueID == "A" {
			panic("agent exploded")
		}
	}
	h.enqueue(t, "A", "B")
	h.start(t)
	h.waitIdle(t)

	entry, _ := h.o.Queue().Get("A")
	assert.Equal(t, taskqueue.StateBlocked, entry.State)
	assert.Contains(t, entry.BlockedReason, "agent exploded")
	assert.Equal(t, []string{"B"}, completedIDs(h.o.Snapshot()))
}

func TestSiloNotesRestoredAfterSkip(t *testing.T) {
	s := testSettings()
	s.RequireHumanReview = true
	h := newHarness(t, s, nil, mkIssue("A", 1, 0))
	h.enqueue(t, "A")
	h.start(t)
	h.waitReview(t, "A")
	require.NoError(t, h.o.Stop(context.Background()))

	st, err := h.silo.Replay("A")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/A/main.go"}, st.ModifiedFiles)
	assert.Equal(t, "human_review", st.LastPhase)

	h.start(t)
	h.waitReview(t, "A")
	assert.Contains(t, h.o.Snapshot().Workers[0].ModifiedFiles, "pkg/A/main.go")
	require.NoError(t, h.o.CompleteReview("A"))
	h.waitIdle(t)

	st, err = h.silo.Replay("A")
	require.NoError(t, err)
	assert.Zero(t, st.Notes, "notes are removed once the issue is done")
}

func ptr[T any](v T) *T { return &v }
