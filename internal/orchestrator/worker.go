package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/issue"
	"github.com/Iron-Ham/autobuild/internal/logging"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/attribution"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/phase"
	"github.com/Iron-Ham/autobuild/internal/silo"
	"github.com/Iron-Ham/autobuild/internal/util"
)

// maxNoteOutput bounds verifier output kept in a failure note.
const maxNoteOutput = 4000

// worker runs one issue pipeline at a time until the queue drains or the
// run is cancelled.
type worker struct {
	id     string
	o      *Orchestrator
	run    *run
	logger *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc // cancels the current issue; nil when idle
	skipped bool
	exclude string // one-shot exclusion after a skip
}

func newWorker(o *Orchestrator, r *run, id string) *worker {
	return &worker{
		id:     id,
		o:      o,
		run:    r,
		logger: o.logger.WithRun(r.id).WithWorker(id),
	}
}

// skip cancels the current issue. It reports false when the worker is idle.
func (w *worker) skip() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return false
	}
	w.skipped = true
	w.cancel()
	return true
}

func (w *worker) takeExclude() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exclude == "" {
		return nil
	}
	ex := []string{w.exclude}
	w.exclude = ""
	return ex
}

func (w *worker) loop() {
	ctx := w.run.ctx
	threshold := w.run.settings.PriorityThreshold
	for {
		// Paused workers park here rather than selecting new work
		if err := w.o.checkpoint(ctx); err != nil {
			return
		}
		wake := w.o.wakeCh()
		iss, ok := w.o.queue.Next(w.id, threshold, w.takeExclude()...)
		if !ok {
			// Work in flight elsewhere may still come back through a skip
			if !w.o.queue.HasEligible(threshold) && w.o.queue.Stats().Assigned == 0 {
				w.logger.Debug("queue drained, worker exiting")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(w.o.idlePoll):
			}
			continue
		}
		w.process(iss)
	}
}

// process runs iss through the pipeline and settles its outcome. A panic
// inside the pipeline blocks the issue and leaves the worker running.
func (w *worker) process(iss issue.Issue) {
	ctx, cancel := context.WithCancel(w.run.ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.skipped = false
	w.mu.Unlock()

	p := newPipeline(w, iss)
	defer func() {
		w.mu.Lock()
		w.cancel = nil
		w.mu.Unlock()
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			p.block(errors.NewPhaseError(iss.ID, p.machine.Current().String(),
				fmt.Errorf("panic: %v", r)).WithWorker(w.id))
		}
	}()

	err := p.run(ctx)
	switch {
	case err == nil:
		p.complete()
	case ctx.Err() != nil:
		w.mu.Lock()
		skipped := w.skipped
		w.mu.Unlock()
		p.abandon(skipped)
	default:
		p.block(err)
	}
}

// pipeline carries one issue through the phases.
type pipeline struct {
	w        *worker
	o        *Orchestrator
	iss      issue.Issue
	settings config.Settings
	machine  *phase.Machine
	logger   *logging.Logger

	modified    []string
	context     []string
	reviewNotes []string
	commit      string
}

func newPipeline(w *worker, iss issue.Issue) *pipeline {
	p := &pipeline{
		w:        w,
		o:        w.o,
		iss:      iss,
		settings: w.run.settings,
		logger:   w.logger.WithIssue(iss.ID),
	}
	p.machine = phase.NewMachine(iss.ID,
		phase.WithClock(w.o.now),
		phase.WithChangeFunc(p.onPhase))

	entered := p.machine.EnteredAt()
	history := p.machine.History()
	w.o.updateWorker(w.id, func(s *WorkerState) {
		*s = WorkerState{
			ID:         w.id,
			IssueID:    iss.ID,
			IssueTitle: iss.Title,
			Phase:      phase.Selecting,
			StartedAt:  &entered,
			PhaseSince: &entered,
			History:    history,
		}
	})
	w.o.appendLog(SeverityInfo, "Picked up "+iss.String(), iss.ID, w.id)
	return p
}

func (p *pipeline) onPhase(t phase.Transition) {
	entered := p.machine.EnteredAt()
	history := p.machine.History()
	p.o.updateWorker(p.w.id, func(s *WorkerState) {
		s.Phase = t.To
		s.PhaseSince = &entered
		s.History = history
	})
	p.o.bus.Publish(event.NewPhaseChangedEvent(p.iss.ID, p.w.id, t.From.String(), t.To.String()))
	p.note(silo.Note{Kind: silo.KindPhase, Phase: t.To.String()})
	p.logger.WithPhase(t.To.String()).Debug("phase changed", "from", t.From, "reason", t.Reason)
}

// to crosses a phase boundary. Cancellation and pause are observed here.
func (p *pipeline) to(ctx context.Context, next phase.Phase, reason string) error {
	if err := p.o.checkpoint(ctx); err != nil {
		return err
	}
	return p.machine.Transition(next, reason)
}

func (p *pipeline) fail(ph phase.Phase, err error) error {
	return errors.NewPhaseError(p.iss.ID, ph.String(), err).WithWorker(p.w.id)
}

func (p *pipeline) note(n silo.Note) {
	if p.o.silo == nil {
		return
	}
	n.Time = p.o.now()
	n.IssueID = p.iss.ID
	n.WorkerID = p.w.id
	if err := p.o.silo.Append(n); err != nil {
		p.logger.Warn("failed to append silo note", "kind", n.Kind, "error", err)
	}
}

func (p *pipeline) request(kind capability.Kind) capability.Request {
	return capability.Request{
		Kind:        kind,
		IssueID:     p.iss.ID,
		WorkerID:    p.w.id,
		Title:       p.iss.Title,
		Description: p.iss.Description,
		Context:     slices.Clone(p.context),
		Files:       slices.Clone(p.modified),
		Notes:       slices.Clone(p.reviewNotes),
		Locker:      p.o.locks,
	}
}

// syncRetries copies the issue's retry state into its WorkerState.
func (p *pipeline) syncRetries() {
	st, ok := p.o.retries.GetState(p.iss.ID)
	if !ok {
		return
	}
	p.o.updateWorker(p.w.id, func(s *WorkerState) {
		s.RetryCount = st.RetryCount
		s.RetriesRemaining = st.Remaining()
		s.AuditFixes = st.AuditFixes
	})
}

func (p *pipeline) relayNotes(notes []string) {
	for _, n := range notes {
		p.o.appendLog(SeverityAgent, n, p.iss.ID, p.w.id)
	}
}

// run drives the issue from selecting to the point where it is ready to be
// marked done. A nil error means every phase succeeded.
func (p *pipeline) run(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		return err
	}
	p.o.retries.Begin(p.iss.ID, p.settings.MaxRetries)
	p.syncRetries()

	for {
		if err := p.work(ctx); err != nil {
			return err
		}
		if err := p.selfReview(ctx); err != nil {
			return err
		}
		if p.settings.Audits.Any() {
			if err := p.audit(ctx); err != nil {
				return err
			}
		}
		if err := p.test(ctx); err != nil {
			return err
		}
		if !p.settings.RequireHumanReview {
			break
		}
		refactor, err := p.humanReview(ctx)
		if err != nil {
			return err
		}
		if !refactor {
			break
		}
	}

	if err := p.commitChanges(ctx); err != nil {
		return err
	}
	return p.machine.Transition(phase.Done, "pipeline finished")
}

// restore replays earlier notes for an issue that was abandoned or
// persisted mid-run, re-locking the files it had modified.
func (p *pipeline) restore(ctx context.Context) error {
	if p.o.silo == nil {
		return nil
	}
	st, err := p.o.silo.Replay(p.iss.ID)
	if err != nil {
		p.logger.Warn("failed to replay silo notes", "error", err)
		return nil
	}
	if st.Notes == 0 {
		return nil
	}
	p.context = st.Context
	p.reviewNotes = st.ReviewNotes
	if err := p.recordFiles(ctx, st.ModifiedFiles, false); err != nil {
		return err
	}
	p.o.appendLog(SeverityInfo, fmt.Sprintf("Resuming %s from %d note(s), last phase %s",
		p.iss.ID, st.Notes, st.LastPhase), p.iss.ID, p.w.id)
	return nil
}

// recordFiles locks the batch for this worker in path order and adds it to
// the modified set. Waiting for a busy lock observes cancellation.
func (p *pipeline) recordFiles(ctx context.Context, files []string, persist bool) error {
	if err := p.o.locks.AcquireAll(ctx, files, p.w.id); err != nil {
		return err
	}
	var fresh []string
	for _, f := range files {
		if !slices.Contains(p.modified, f) {
			p.modified = append(p.modified, f)
			fresh = append(fresh, f)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	slices.Sort(p.modified)
	if persist {
		p.note(silo.Note{Kind: silo.KindFiles, Files: fresh})
	}
	files = slices.Clone(p.modified)
	p.o.updateWorker(p.w.id, func(s *WorkerState) { s.ModifiedFiles = files })
	return nil
}

func (p *pipeline) work(ctx context.Context) error {
	if err := p.to(ctx, phase.Working, "implement"); err != nil {
		return err
	}
	res, err := p.o.caps.Implementer.Implement(context.WithoutCancel(ctx), p.request(capability.KindImplement))
	if err != nil {
		return p.fail(phase.Working, err)
	}
	p.relayNotes(res.Notes)
	if !res.Success {
		p.o.appendLog(SeverityWarning, "Implementation reported no success; continuing to verification", p.iss.ID, p.w.id)
	}
	return p.recordFiles(ctx, res.ModifiedFiles, true)
}

func (p *pipeline) selfReview(ctx context.Context) error {
	if err := p.to(ctx, phase.SelfReview, "review modified files"); err != nil {
		return err
	}
	if p.o.caps.Reviewer == nil {
		p.o.warnOnce("review", "Self review skipped: no review capability configured")
		return nil
	}
	res, err := p.o.caps.Reviewer.Review(context.WithoutCancel(ctx), p.request(capability.KindReview))
	if err != nil {
		p.o.appendLog(SeverityWarning, "Self review failed: "+err.Error(), p.iss.ID, p.w.id)
		return nil
	}
	for _, n := range res.Notes {
		p.reviewNotes = append(p.reviewNotes, n)
		p.note(silo.Note{Kind: silo.KindReview, Text: n})
	}
	return p.recordFiles(ctx, res.ModifiedFiles, true)
}

// test runs verification and the bounded fix loop. An unrelated failure is
// treated as a pass; exhausting the retry budget blocks the issue.
func (p *pipeline) test(ctx context.Context) error {
	for {
		if err := p.to(ctx, phase.Testing, "verify"); err != nil {
			return err
		}
		output, passed := p.verify(ctx)
		if passed {
			return nil
		}

		result := attribution.Classify(output, p.modified)
		if result.Verdict == attribution.Unrelated {
			p.o.appendLog(SeverityWarning, fmt.Sprintf("Verification failure is unrelated to modified files (%s); continuing",
				summarizeRefs(result.References)), p.iss.ID, p.w.id)
			return nil
		}

		p.note(silo.Note{Kind: silo.KindFailure, Text: util.Clip(output, maxNoteOutput, "\n... (truncated)")})
		count, err := p.o.retries.TryFix(p.iss.ID, output)
		p.syncRetries()
		if err != nil {
			p.o.appendLog(SeverityError, fmt.Sprintf("Retries exhausted for %s after %d fix attempt(s)",
				p.iss.ID, p.settings.MaxRetries), p.iss.ID, p.w.id)
			return p.fail(phase.Testing, err)
		}

		if err := p.to(ctx, phase.Fixing, fmt.Sprintf("attempt %d/%d", count, p.settings.MaxRetries)); err != nil {
			return err
		}
		if err := p.fix(ctx, output); err != nil {
			return err
		}
	}
}

func (p *pipeline) fix(ctx context.Context, failure string) error {
	if p.o.caps.Fixer == nil {
		p.o.warnOnce("fix", "Fix skipped: no fix capability configured")
		return nil
	}
	req := p.request(capability.KindFix)
	req.Failure = failure
	res, err := p.o.caps.Fixer.Fix(context.WithoutCancel(ctx), req)
	if err != nil {
		return p.fail(phase.Fixing, err)
	}
	p.relayNotes(res.Notes)
	if !res.Success {
		p.o.appendLog(SeverityWarning, "Fix reported no success; re-running verification", p.iss.ID, p.w.id)
	}
	return p.recordFiles(ctx, res.ModifiedFiles, true)
}

// verify runs the enabled steps in order and stops at the first failure.
func (p *pipeline) verify(ctx context.Context) (string, bool) {
	var steps []capability.Step
	if p.settings.Lint {
		steps = append(steps, capability.StepLint)
	}
	if p.settings.Test {
		steps = append(steps, capability.StepTest)
	}
	if p.settings.Build {
		steps = append(steps, capability.StepBuild)
	}
	if len(steps) == 0 {
		return "", true
	}
	if p.o.caps.Verifier == nil {
		p.o.warnOnce("verify", "Verification skipped: no verifier configured")
		return "", true
	}

	for _, step := range steps {
		res, err := p.o.caps.Verifier.Verify(context.WithoutCancel(ctx), step)
		if errors.Is(err, errors.ErrCapabilityUnavailable) {
			p.o.warnOnce("verify:"+string(step), fmt.Sprintf("Verification step %s skipped: %v", step, err))
			continue
		}
		if err != nil {
			return err.Error(), false
		}
		if !res.Passed {
			p.logger.Info("verification step failed", "step", step)
			return res.Output, false
		}
	}
	return "", true
}

// humanReview parks the issue until a reviewer decides. It reports true
// when a refactor was requested.
func (p *pipeline) humanReview(ctx context.Context) (bool, error) {
	if err := p.to(ctx, phase.HumanReview, "await reviewer"); err != nil {
		return false, err
	}
	p.o.appendLog(SeverityInfo, "Awaiting human review for "+p.iss.ID, p.iss.ID, p.w.id)
	d, err := p.o.gate.Await(ctx, p.iss.ID, p.w.id, p.modified)
	if err != nil {
		return false, err
	}
	if !d.Refactor {
		return false, nil
	}

	p.o.retries.ResetForRefactor(p.iss.ID)
	p.context = append(p.context, "Refactor requested: "+d.Reason)
	p.note(silo.Note{Kind: silo.KindRefactor, Text: d.Reason})
	p.syncRetries()
	p.logger.Info("refactor requested", "reason", d.Reason)
	return true, nil
}

// complete marks the issue done and frees the worker.
func (p *pipeline) complete() {
	o := p.o
	if err := o.queue.Complete(p.iss.ID); err != nil {
		p.logger.Warn("failed to complete queue entry", "error", err)
	}
	o.locks.ReleaseAll(p.w.id)
	o.retries.Forget(p.iss.ID)
	if o.silo != nil {
		if err := o.silo.Remove(p.iss.ID); err != nil {
			p.logger.Warn("failed to remove silo notes", "error", err)
		}
	}

	key := epicKey(p.iss)
	o.mu.Lock()
	o.completed = append(o.completed, CompletedIssue{
		ID:          p.iss.ID,
		Title:       p.iss.Title,
		EpicID:      p.iss.EpicID,
		WorkerID:    p.w.id,
		Commit:      p.commit,
		CompletedAt: o.now(),
	})
	if ep := o.epics[key]; ep != nil {
		ep.done[p.iss.ID] = true
	}
	o.mu.Unlock()
	p.resetWorker()

	o.bus.Publish(event.NewIssueCompletedEvent(p.iss.ID, p.w.id, p.iss.EpicID))
	o.appendLog(SeveritySuccess, "Completed "+p.iss.String(), p.iss.ID, p.w.id)
	p.logger.Info("issue completed",
		"commit", p.commit,
		"test_runs", p.machine.Visits(phase.Testing),
		"working", p.machine.TimeIn(phase.Working),
		"testing", p.machine.TimeIn(phase.Testing),
		"fixing", p.machine.TimeIn(phase.Fixing),
		"human_review", p.machine.TimeIn(phase.HumanReview))

	if p.settings.AutoCreatePR && p.settings.UseFeatureBranches && p.settings.AutoCommit {
		o.maybeOpenPR(p.w.run.ctx, key)
	}
}

// block parks the issue outside the eligible set. Its notes are kept.
func (p *pipeline) block(cause error) {
	o := p.o
	if !p.machine.Current().IsTerminal() {
		if err := p.machine.Transition(phase.Blocked, cause.Error()); err != nil {
			p.logger.Warn("blocked transition rejected", "error", err)
		}
	}
	if err := o.queue.Block(p.iss.ID, cause.Error()); err != nil {
		p.logger.Warn("failed to block queue entry", "error", err)
	}
	o.locks.ReleaseAll(p.w.id)
	p.resetWorker()

	o.bus.Publish(event.NewIssueBlockedEvent(p.iss.ID, p.w.id, cause.Error()))
	if !errors.Is(cause, errors.ErrRetryExhausted) {
		// exhaustion was already reported by the fix loop
		o.appendLog(SeverityError, fmt.Sprintf("Blocked %s: %v", p.iss.ID, cause), p.iss.ID, p.w.id)
	}
	p.logger.Warn("issue blocked", "error", cause, "severity", errors.SeverityOf(cause).String())
}

// abandon returns the issue to the front of the queue unmodified. A skipped
// issue is excluded from this worker's next selection.
func (p *pipeline) abandon(skipped bool) {
	o := p.o
	released := o.locks.ReleaseAll(p.w.id)
	if err := o.queue.Requeue(p.iss.ID, true); err != nil {
		p.logger.Warn("failed to requeue abandoned issue", "error", err)
	}
	if skipped {
		p.w.mu.Lock()
		p.w.exclude = p.iss.ID
		p.w.mu.Unlock()
	}
	p.resetWorker()

	msg := "Stopped work on " + p.iss.ID
	if skipped {
		msg = "Skipped " + p.iss.ID
	}
	o.appendLog(SeverityInfo, msg, p.iss.ID, p.w.id)
	p.logger.Info("issue abandoned",
		"phase", p.machine.Current(),
		"skipped", skipped,
		"released_locks", len(released),
		"error", errors.ErrAbandoned)
}

func (p *pipeline) resetWorker() {
	p.o.updateWorker(p.w.id, func(s *WorkerState) { *s = WorkerState{ID: p.w.id} })
}

func summarizeRefs(refs []string) string {
	if len(refs) == 0 {
		return "no references"
	}
	if len(refs) > 3 {
		return fmt.Sprintf("%s and %d more", strings.Join(refs[:3], ", "), len(refs)-3)
	}
	return strings.Join(refs, ", ")
}
