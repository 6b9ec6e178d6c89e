package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/singleflight"

	"github.com/Iron-Ham/autobuild/internal/approval"
	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/filelock"
	"github.com/Iron-Ham/autobuild/internal/issue"
	"github.com/Iron-Ham/autobuild/internal/logging"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/retry"
	"github.com/Iron-Ham/autobuild/internal/silo"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

// defaultIdlePoll bounds how long an idle worker sleeps before re-checking
// the queue when no change notification arrives.
const defaultIdlePoll = 500 * time.Millisecond

// Orchestrator owns the queue, the worker pool, and the run log. All mutable
// state is changed through its methods; observers read a Snapshot or
// subscribe to the event bus.
type Orchestrator struct {
	cfg      *config.Config
	store    issue.Store
	caps     capability.Set
	queue    *taskqueue.EventQueue
	restored *taskqueue.Queue
	locks    *filelock.Registry
	gate     *approval.Gate
	retries  *retry.Manager
	silo     *silo.Store
	bus      *event.Bus
	logger   *logging.Logger
	stateDir string
	now      func() time.Time
	idlePoll time.Duration

	branchGroup singleflight.Group
	runID       atomic.Value // string, read by the persistence hook

	wakeMu sync.Mutex
	wake   chan struct{}

	mu        sync.RWMutex
	status    Status
	settings  config.Settings
	run       *run
	workers   []*WorkerState
	completed []CompletedIssue
	logs      []LogEntry
	prs       []PullRequest
	epics     map[string]*epicProgress
	branches  map[string]string
	warned    map[string]bool
	resume    chan struct{} // non-nil while paused; closed on resume
}

// run is the state of one start..finish cycle.
type run struct {
	id        string
	settings  config.Settings
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	workers   []*worker
	wg        conc.WaitGroup
	done      chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBus sets the event bus. A private bus is created otherwise.
func WithBus(b *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithQueue starts from a restored queue instead of an empty one.
func WithQueue(q *taskqueue.Queue) Option {
	return func(o *Orchestrator) { o.restored = q }
}

// WithLocks shares an existing lock registry.
func WithLocks(r *filelock.Registry) Option {
	return func(o *Orchestrator) { o.locks = r }
}

// WithSilo sets the per-issue note store. Without one, notes are not kept.
func WithSilo(s *silo.Store) Option {
	return func(o *Orchestrator) { o.silo = s }
}

// WithStateDir enables queue persistence under dir.
func WithStateDir(dir string) Option {
	return func(o *Orchestrator) { o.stateDir = dir }
}

// WithClock overrides the time source used for logs and worker state.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIdlePoll overrides how often idle workers re-check the queue.
func WithIdlePoll(d time.Duration) Option {
	return func(o *Orchestrator) { o.idlePoll = d }
}

// New creates an idle Orchestrator. The implementation capability is
// required; every other capability is optional and degrades to a no-op.
func New(cfg *config.Config, store issue.Store, caps capability.Set, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator: issue store is required")
	}
	if caps.Implementer == nil {
		return nil, errors.NewCapabilityUnavailable("implement", errors.New("no implementation capability configured"))
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		caps:     caps,
		retries:  retry.NewManager(),
		now:      time.Now,
		idlePoll: defaultIdlePoll,
		status:   StatusIdle,
		settings: cfg.Settings,
		epics:    make(map[string]*epicProgress),
		branches: make(map[string]string),
		warned:   make(map[string]bool),
		wake:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}
	if o.restored == nil {
		o.restored = taskqueue.New()
	}
	o.queue = taskqueue.NewEventQueue(o.restored, o.bus)
	if o.locks == nil {
		o.locks = filelock.NewRegistry(
			filelock.WithTTL(cfg.Locks.TTL()),
			filelock.WithRetryInterval(cfg.Locks.RetryInterval()),
			filelock.WithSweepInterval(cfg.Locks.SweepInterval()),
			filelock.WithBus(o.bus),
			filelock.WithLogger(o.logger),
			filelock.WithWaitHandler(o.onLockWait),
		)
	}
	o.gate = approval.NewGate(o.bus)
	o.runID.Store("")

	o.bus.Subscribe(event.TypeQueueChanged, func(event.Event) {
		o.notify()
		o.persist()
	})
	o.bus.Subscribe(event.TypeLockExpired, func(e event.Event) {
		if le, ok := e.(event.LockExpiredEvent); ok {
			o.appendLog(SeverityWarning, fmt.Sprintf("Stale lock on %s held by %s released after %s",
				le.Path, le.Owner, le.Age.Round(time.Second)), "", le.Owner)
		}
	})
	return o, nil
}

// Bus returns the event bus the orchestrator publishes on.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Locks returns the lock registry shared with external agents.
func (o *Orchestrator) Locks() *filelock.Registry { return o.locks }

// Queue returns the underlying queue for read access.
func (o *Orchestrator) Queue() *taskqueue.Queue { return o.queue.Queue }

// Status returns the current run status.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Settings returns the settings the next run will use.
func (o *Orchestrator) Settings() config.Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// Start begins a run with a snapshot of the current settings. It requires
// idle status and at least one eligible issue. Closed issues are dropped
// from the queue first.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.Status() != StatusIdle {
		return fmt.Errorf("%w: start requires idle, status is %s", errors.ErrInvalidState, o.Status())
	}
	if _, err := o.Refresh(ctx); err != nil {
		o.appendLog(SeverityWarning, "Could not refresh issues before start: "+err.Error(), "", "")
	}

	o.mu.Lock()
	if o.status != StatusIdle {
		o.mu.Unlock()
		return fmt.Errorf("%w: start requires idle, status is %s", errors.ErrInvalidState, o.status)
	}
	settings := o.settings
	if !o.queue.HasEligible(settings.PriorityThreshold) {
		o.mu.Unlock()
		return fmt.Errorf("%w: nothing eligible at priority threshold %d", errors.ErrEmptyQueue, settings.PriorityThreshold)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:        uuid.NewString(),
		settings:  settings,
		ctx:       runCtx,
		cancel:    cancel,
		startedAt: o.now(),
		done:      make(chan struct{}),
	}
	o.run = r
	o.runID.Store(r.id)
	o.status = StatusRunning
	o.resume = nil
	o.warned = make(map[string]bool)
	o.epics = make(map[string]*epicProgress)
	o.workers = make([]*WorkerState, settings.WorkerCount)
	for _, e := range o.queue.Entries() {
		o.trackEpicLocked(e.Issue)
	}
	for i := range settings.WorkerCount {
		id := fmt.Sprintf("worker-%d", i+1)
		o.workers[i] = &WorkerState{ID: id}
		r.workers = append(r.workers, newWorker(o, r, id))
	}
	o.mu.Unlock()

	o.bus.Publish(event.NewStatusChangedEvent(string(StatusIdle), string(StatusRunning)))
	o.appendLog(SeverityInfo, fmt.Sprintf("Started run with %d worker(s)", settings.WorkerCount), "", "")
	o.logger.WithRun(r.id).Info("run started",
		"workers", settings.WorkerCount,
		"queue_length", o.queue.Len(),
		"max_retries", settings.MaxRetries)

	sweepCtx, stopSweep := context.WithCancel(runCtx)
	go o.locks.Run(sweepCtx)

	for _, w := range r.workers {
		r.wg.Go(w.loop)
	}
	go func() {
		recovered := r.wg.WaitAndRecover()
		stopSweep()
		o.finish(r, recovered)
	}()
	return nil
}

// finish tears a run down once every worker has exited.
func (o *Orchestrator) finish(r *run, recovered *panics.Recovered) {
	defer close(r.done)
	r.cancel()

	var released []string
	for _, w := range r.workers {
		released = append(released, o.locks.ReleaseAll(w.id)...)
	}
	// retry budgets restart on the next selection
	o.retries.ResetAll()

	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return
	}
	from := o.status
	to := StatusIdle
	panicked := recovered != nil
	if panicked {
		to = StatusError
	}
	o.status = to
	o.run = nil
	o.workers = nil
	if o.resume != nil {
		close(o.resume)
		o.resume = nil
	}
	o.mu.Unlock()

	if panicked {
		o.appendLog(SeverityError, "Worker pool crashed: "+recovered.String(), "", "")
	}
	if len(released) > 0 {
		o.logger.WithRun(r.id).Debug("released run locks", "paths", released)
	}
	o.persist()
	o.bus.Publish(event.NewStatusChangedEvent(string(from), string(to)))
	stats := o.queue.Stats()
	o.appendLog(SeverityInfo, fmt.Sprintf("Run finished: %d pending, %d blocked", stats.Pending, stats.Blocked), "", "")
	o.logger.WithRun(r.id).Info("run finished", "status", to, "pending", stats.Pending, "blocked", stats.Blocked)
}

// Pause lets every worker finish its current phase and then idle without
// selecting new work.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.status != StatusRunning {
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("%w: pause requires running, status is %s", errors.ErrInvalidState, status)
	}
	o.status = StatusPaused
	o.resume = make(chan struct{})
	o.mu.Unlock()

	o.bus.Publish(event.NewStatusChangedEvent(string(StatusRunning), string(StatusPaused)))
	o.appendLog(SeverityInfo, "Paused; workers will stop at the next phase boundary", "", "")
	return nil
}

// Resume continues a paused run. The queue must not be empty.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.status != StatusPaused {
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("%w: resume requires paused, status is %s", errors.ErrInvalidState, status)
	}
	if o.queue.Len() == 0 {
		o.mu.Unlock()
		return errors.ErrEmptyQueue
	}
	o.status = StatusRunning
	close(o.resume)
	o.resume = nil
	o.mu.Unlock()

	o.bus.Publish(event.NewStatusChangedEvent(string(StatusPaused), string(StatusRunning)))
	o.appendLog(SeverityInfo, "Resumed", "", "")
	return nil
}

// Stop abandons every active issue back to the front of the queue, waits
// for the workers to exit, and returns to idle. The run's locks are
// released and worker state is cleared. ctx bounds only the wait.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	if r == nil {
		if o.status == StatusError {
			o.status = StatusIdle
			o.mu.Unlock()
			o.bus.Publish(event.NewStatusChangedEvent(string(StatusError), string(StatusIdle)))
			return nil
		}
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("%w: nothing to stop, status is %s", errors.ErrInvalidState, status)
	}
	o.mu.Unlock()

	o.appendLog(SeverityInfo, "Stopping run", "", "")
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers to stop: %w", ctx.Err())
	}
}

// Wait blocks until the current run finishes or ctx is done. It returns
// immediately when no run is active.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.RLock()
	r := o.run
	o.mu.RUnlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SkipCurrent abandons the issue held by workerID, or by every worker when
// workerID is empty. Abandoned issues return to the front of the queue and
// the pool keeps running.
func (o *Orchestrator) SkipCurrent(workerID string) error {
	o.mu.RLock()
	r := o.run
	o.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("%w: no run is active", errors.ErrInvalidState)
	}

	skipped := 0
	for _, w := range r.workers {
		if workerID != "" && w.id != workerID {
			continue
		}
		if w.skip() {
			skipped++
		}
	}
	if skipped == 0 {
		if workerID != "" {
			return fmt.Errorf("%w: %s has no active issue", errors.ErrInvalidState, workerID)
		}
		return fmt.Errorf("%w: no active issue", errors.ErrInvalidState)
	}
	return nil
}

// AddToQueue enqueues an open issue. An epic enqueues its open children
// instead; children without a phase tag get one from their priority. It
// returns the ids that were added.
func (o *Orchestrator) AddToQueue(ctx context.Context, issueID string) ([]string, error) {
	iss, err := o.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueID, err)
	}
	if iss.IsClosed() {
		return nil, fmt.Errorf("%w: %s", errors.ErrIssueClosed, issueID)
	}

	candidates := []issue.Issue{iss}
	if iss.IsEpic() {
		all, err := o.store.FetchIssues(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch children of %s: %w", issueID, err)
		}
		candidates = issue.ExpandEpic(iss, all)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("epic %s has no open children: %w", issueID, errors.ErrEmptyQueue)
		}
	}

	var added []string
	for _, c := range candidates {
		if err := o.queue.Add(c); err != nil {
			if errors.Is(err, taskqueue.ErrAlreadyQueued) && iss.IsEpic() {
				continue
			}
			return added, err
		}
		added = append(added, c.ID)
		o.mu.Lock()
		if o.run != nil {
			o.trackEpicLocked(c)
		}
		o.mu.Unlock()
	}

	if iss.IsEpic() {
		o.appendLog(SeverityInfo, fmt.Sprintf("Queued %d issue(s) from epic %s", len(added), iss.ID), iss.ID, "")
	} else {
		o.appendLog(SeverityInfo, "Queued "+iss.String(), iss.ID, "")
	}
	return added, nil
}

// RemoveFromQueue drops a pending or blocked issue.
func (o *Orchestrator) RemoveFromQueue(issueID string) error {
	e, ok := o.queue.Get(issueID)
	if err := o.queue.Remove(issueID); err != nil {
		return err
	}
	if ok {
		o.mu.Lock()
		o.untrackEpicLocked(e.Issue)
		o.mu.Unlock()
	}
	o.appendLog(SeverityInfo, "Removed "+issueID+" from queue", issueID, "")
	return nil
}

// Unblock returns a blocked issue to the eligible set with a fresh retry budget.
func (o *Orchestrator) Unblock(issueID string) error {
	if err := o.queue.Unblock(issueID); err != nil {
		return err
	}
	o.retries.Forget(issueID)
	o.appendLog(SeverityInfo, "Unblocked "+issueID, issueID, "")
	return nil
}

// Refresh re-reads every queued issue from the store, updating snapshots
// and dropping issues that were closed externally. Assigned issues are left
// alone. It returns the dropped ids.
func (o *Orchestrator) Refresh(ctx context.Context) ([]string, error) {
	all, err := o.store.FetchIssues(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch issues: %w", err)
	}
	byID := make(map[string]issue.Issue, len(all))
	for _, i := range all {
		byID[i.ID] = i
	}

	removed := o.queue.RemoveIf(func(e taskqueue.Entry) bool {
		fresh, ok := byID[e.Issue.ID]
		return ok && fresh.IsClosed()
	})
	for _, e := range o.queue.Entries() {
		fresh, ok := byID[e.Issue.ID]
		if !ok || e.State == taskqueue.StateAssigned {
			continue
		}
		// Keep a tag derived from an epic expansion when the tracker has none
		if !fresh.Tagged() && e.Issue.Tagged() {
			fresh.PhaseTag = e.Issue.PhaseTag
		}
		if !issueEqual(fresh, e.Issue) {
			_ = o.queue.Update(fresh)
		}
	}
	for _, id := range removed {
		o.appendLog(SeverityInfo, "Dropped closed issue "+id, id, "")
	}
	return removed, nil
}

// CompleteReview approves an issue parked in human review.
func (o *Orchestrator) CompleteReview(issueID string) error {
	if err := o.gate.Approve(issueID); err != nil {
		return err
	}
	o.appendLog(SeverityInfo, "Review approved for "+issueID, issueID, "")
	return nil
}

// RequestRefactor sends an issue parked in human review back to working
// with reason appended to its context.
func (o *Orchestrator) RequestRefactor(issueID, reason string) error {
	if err := o.gate.RequestRefactor(issueID, reason); err != nil {
		return err
	}
	o.appendLog(SeverityInfo, fmt.Sprintf("Refactor requested for %s: %s", issueID, reason), issueID, "")
	return nil
}

// Snapshot returns a copy of the orchestrator's observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	snap := Snapshot{
		Status:       o.status,
		Settings:     o.settings,
		Completed:    slices.Clone(o.completed),
		Logs:         slices.Clone(o.logs),
		PullRequests: slices.Clone(o.prs),
	}
	if o.run != nil {
		snap.RunID = o.run.id
		snap.Settings = o.run.settings
		t := o.run.startedAt
		snap.StartedAt = &t
	}
	for _, w := range o.workers {
		snap.Workers = append(snap.Workers, w.clone())
	}
	o.mu.RUnlock()

	snap.Queue = o.queue.Entries()
	snap.Stats = o.queue.Stats()
	snap.PendingReviews = o.gate.PendingReviews()
	snap.Locks = o.locks.Locks()
	return snap
}

// notify wakes idle workers after a queue change.
func (o *Orchestrator) notify() {
	o.wakeMu.Lock()
	close(o.wake)
	o.wake = make(chan struct{})
	o.wakeMu.Unlock()
}

func (o *Orchestrator) wakeCh() <-chan struct{} {
	o.wakeMu.Lock()
	defer o.wakeMu.Unlock()
	return o.wake
}

// checkpoint is the phase boundary: it returns ctx's error once the issue
// is cancelled and blocks while the orchestrator is paused.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.mu.RLock()
		resume := o.resume
		o.mu.RUnlock()
		if resume == nil {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// persist saves the queue when a state directory is configured.
func (o *Orchestrator) persist() {
	if o.stateDir == "" {
		return
	}
	runID, _ := o.runID.Load().(string)
	if err := o.queue.SaveState(o.stateDir, runID); err != nil {
		o.logger.Warn("failed to save queue state", "error", err)
	}
}

// warnOnce logs a capability degradation once per run.
func (o *Orchestrator) warnOnce(key, msg string) {
	o.mu.Lock()
	seen := o.warned[key]
	o.warned[key] = true
	o.mu.Unlock()
	if !seen {
		o.appendLog(SeverityWarning, msg, "", "")
	}
}

func (o *Orchestrator) onLockWait(path, waiter, owner string) {
	o.appendLog(SeverityInfo, fmt.Sprintf("Waiting for %s (held by %s)", path, owner), "", waiter)
}

func (o *Orchestrator) updateWorker(id string, fn func(*WorkerState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range o.workers {
		if w.ID == id {
			fn(w)
			return
		}
	}
}

func issueEqual(a, b issue.Issue) bool {
	return a.Title == b.Title && a.Description == b.Description &&
		a.Priority == b.Priority && a.PhaseTag == b.PhaseTag &&
		a.Status == b.Status && a.EpicID == b.EpicID &&
		slices.Equal(a.Labels, b.Labels)
}
