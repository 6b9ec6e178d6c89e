package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/filelock"
	"github.com/Iron-Ham/autobuild/internal/issue"
	"github.com/Iron-Ham/autobuild/internal/logging"
	"github.com/Iron-Ham/autobuild/internal/silo"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func mkIssue(id string, tag, pri int) issue.Issue {
	return issue.Issue{
		ID:        id,
		Title:     "issue " + id,
		Type:      issue.TypeTask,
		Priority:  pri,
		PhaseTag:  tag,
		Status:    issue.StatusOpen,
		CreatedAt: t0,
	}
}

// fakeAgent implements every agent capability. The issue currently being
// worked on is remembered so the verifier can answer per issue.
type fakeAgent struct {
	mu sync.Mutex

	files    map[string][]string // issue id -> files reported by implement
	verify   func(issueID string, call int) capability.StepResult
	onImpl   func(req capability.Request)
	findings map[capability.AuditKind][]string

	current     string
	implements  []capability.Request
	fixes       []capability.Request
	reviews     int
	audits      []capability.AuditKind
	verifyCalls map[string]int
	active      map[string]int
	maxActive   int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		files:       make(map[string][]string),
		verifyCalls: make(map[string]int),
		active:      make(map[string]int),
	}
}

func (f *fakeAgent) Implement(_ context.Context, req capability.Request) (capability.Result, error) {
	f.mu.Lock()
	f.current = req.IssueID
	f.implements = append(f.implements, req)
	f.active[req.IssueID]++
	if n := len(f.active); n > f.maxActive {
		f.maxActive = n
	}
	files, ok := f.files[req.IssueID]
	if !ok {
		files = []string{"pkg/" + req.IssueID + "/main.go"}
	}
	hook := f.onImpl
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	f.mu.Lock()
	if f.active[req.IssueID]--; f.active[req.IssueID] == 0 {
		delete(f.active, req.IssueID)
	}
	f.mu.Unlock()
	return capability.Result{Success: true, ModifiedFiles: files}, nil
}

func (f *fakeAgent) Review(_ context.Context, req capability.Request) (capability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews++
	return capability.Result{Success: true, Notes: []string{"consider a smaller function in " + req.IssueID}}, nil
}

func (f *fakeAgent) Audit(_ context.Context, kind capability.AuditKind, _ capability.Request) (capability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, kind)
	return capability.Result{Success: true, Findings: f.findings[kind]}, nil
}

func (f *fakeAgent) Fix(_ context.Context, req capability.Request) (capability.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = req.IssueID
	f.fixes = append(f.fixes, req)
	return capability.Result{Success: true}, nil
}

func (f *fakeAgent) Verify(_ context.Context, step capability.Step) (capability.StepResult, error) {
	f.mu.Lock()
	id := f.current
	f.verifyCalls[id]++
	call := f.verifyCalls[id]
	fn := f.verify
	f.mu.Unlock()

	if fn == nil {
		return capability.StepResult{Step: step, Passed: true}, nil
	}
	res := fn(id, call)
	res.Step = step
	return res, nil
}

func (f *fakeAgent) fixCount(issueID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.fixes {
		if r.IssueID == issueID && r.Kind == capability.KindFix {
			n++
		}
	}
	return n
}

func (f *fakeAgent) implementCount(issueID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.implements {
		if r.IssueID == issueID {
			n++
		}
	}
	return n
}

func (f *fakeAgent) set() capability.Set {
	return capability.Set{
		Implementer: f,
		Reviewer:    f,
		Auditor:     f,
		Fixer:       f,
		Verifier:    f,
	}
}

// fakeGit records branches, commits and pushes.
type fakeGit struct {
	mu       sync.Mutex
	branches []string
	commits  []capability.CommitRequest
	pushes   []string
}

func (g *fakeGit) CreateBranch(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.branches = append(g.branches, name)
	return nil
}

func (g *fakeGit) Commit(_ context.Context, req capability.CommitRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, req)
	return fmt.Sprintf("%040d", len(g.commits)), nil
}

func (g *fakeGit) Push(_ context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, branch)
	return nil
}

type fakePR struct {
	mu       sync.Mutex
	requests []capability.PRRequest
}

func (p *fakePR) CreatePR(_ context.Context, req capability.PRRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return fmt.Sprintf("https://example.com/pr/%d", len(p.requests)), nil
}

// testSettings runs only the test step with no review, audits or commits.
func testSettings() config.Settings {
	return config.Settings{
		Test:              true,
		MaxRetries:        2,
		PriorityThreshold: 4,
		WorkerCount:       1,
	}
}

type harness struct {
	o     *Orchestrator
	store *issue.MemoryStore
	agent *fakeAgent
	silo  *silo.Store
}

func newHarness(t *testing.T, settings config.Settings, caps func(*fakeAgent) capability.Set, issues ...issue.Issue) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Settings = settings
	cfg.Git.BranchPrefix = "autobuild/"

	store := issue.NewMemoryStore(issues...)
	agent := newFakeAgent()
	set := agent.set()
	if caps != nil {
		set = caps(agent)
	}
	notes := silo.NewStore(afero.NewMemMapFs(), "/silo")

	bus := event.NewBus(logging.NopLogger())
	locks := filelock.NewRegistry(
		filelock.WithRetryInterval(5*time.Millisecond),
		filelock.WithBus(bus),
	)

	o, err := New(cfg, store, set,
		WithBus(bus),
		WithLocks(locks),
		WithSilo(notes),
		WithIdlePoll(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return &harness{o: o, store: store, agent: agent, silo: notes}
}

func (h *harness) enqueue(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.o.AddToQueue(context.Background(), id)
		require.NoError(t, err)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Start(context.Background()))
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.o.Wait(ctx))
	require.Equal(t, StatusIdle, h.o.Status())
}

func (h *harness) waitReview(t *testing.T, issueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.o.gate.IsAwaitingReview(issueID)
	}, 5*time.Second, 5*time.Millisecond, "%s never reached human review", issueID)
}

func completedIDs(s Snapshot) []string {
	ids := make([]string, len(s.Completed))
	for i, c := range s.Completed {
		ids[i] = c.ID
	}
	return ids
}

// fail produces verification output that names path.
func fail(path string) capability.StepResult {
	return capability.StepResult{Passed: false, Output: path + ":12:3: undefined: widget\nFAIL"}
}

func (h *harness) queued(id string) bool {
	_, ok := h.o.Queue().Get(id)
	return ok
}

func (h *harness) heldBy(owner string) []string {
	var paths []string
	for _, l := range h.o.Locks().Locks() {
		if l.Owner == owner {
			paths = append(paths, l.Path)
		}
	}
	return paths
}
