package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/issue"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/phase"
)

// epicProgress tracks which of an epic's issues, enqueued in the current
// run, have completed.
type epicProgress struct {
	members map[string]bool
	done    map[string]bool
	titles  map[string]string
	pr      bool
}

func (e *epicProgress) complete() bool {
	if len(e.members) == 0 {
		return false
	}
	for id := range e.members {
		if !e.done[id] {
			return false
		}
	}
	return true
}

// epicKey groups an issue with its epic. Issues outside any epic form an
// epic of one.
func epicKey(iss issue.Issue) string {
	if iss.EpicID != "" {
		return iss.EpicID
	}
	return iss.ID
}

func (o *Orchestrator) trackEpicLocked(iss issue.Issue) {
	key := epicKey(iss)
	ep := o.epics[key]
	if ep == nil {
		ep = &epicProgress{
			members: make(map[string]bool),
			done:    make(map[string]bool),
			titles:  make(map[string]string),
		}
		o.epics[key] = ep
	}
	ep.members[iss.ID] = true
	ep.titles[iss.ID] = iss.Title
}

func (o *Orchestrator) untrackEpicLocked(iss issue.Issue) {
	if ep := o.epics[epicKey(iss)]; ep != nil {
		delete(ep.members, iss.ID)
	}
}

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// branchName returns the feature branch for an epic key.
func (o *Orchestrator) branchName(key string) string {
	name := unsafeBranchChars.ReplaceAllString(key, "-")
	name = strings.Trim(name, "-./")
	return o.cfg.Git.BranchPrefix + name
}

// ensureBranch creates the epic's branch the first time any worker needs
// it. Concurrent callers share one creation.
func (o *Orchestrator) ensureBranch(ctx context.Context, key string) (string, error) {
	o.mu.RLock()
	name, ok := o.branches[key]
	o.mu.RUnlock()
	if ok {
		return name, nil
	}

	v, err, _ := o.branchGroup.Do(key, func() (any, error) {
		o.mu.RLock()
		name, ok := o.branches[key]
		o.mu.RUnlock()
		if ok {
			return name, nil
		}
		name = o.branchName(key)
		if err := o.caps.Git.CreateBranch(context.WithoutCancel(ctx), name); err != nil {
			return "", fmt.Errorf("create branch %s: %w", name, err)
		}
		o.mu.Lock()
		o.branches[key] = name
		o.mu.Unlock()
		o.appendLog(SeverityInfo, "Created branch "+name, "", "")
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// commitChanges stages and commits the issue's modified files, onto the
// epic branch when feature branches are on. The committing phase is always
// entered; with auto commit off it ends there.
func (p *pipeline) commitChanges(ctx context.Context) error {
	if err := p.to(ctx, phase.Committing, "commit"); err != nil {
		return err
	}
	if !p.settings.AutoCommit {
		return nil
	}
	if p.o.caps.Git == nil {
		p.o.warnOnce("git", "Auto commit skipped: git is unavailable")
		return nil
	}
	if len(p.modified) == 0 {
		p.logger.Info("nothing to commit")
		return nil
	}

	var branch string
	if p.settings.UseFeatureBranches {
		b, err := p.o.ensureBranch(ctx, epicKey(p.iss))
		if err != nil {
			return p.fail(phase.Committing, err)
		}
		branch = b
	}

	sha, err := p.o.caps.Git.Commit(context.WithoutCancel(ctx), capability.CommitRequest{
		Branch:  branch,
		Files:   p.modified,
		Message: p.iss.Title,
	})
	if err != nil {
		return p.fail(phase.Committing, err)
	}
	p.commit = sha
	if sha == "" {
		p.logger.Info("no staged changes to commit")
		return nil
	}
	target := branch
	if target == "" {
		target = "current branch"
	}
	p.o.appendLog(SeverityInfo, fmt.Sprintf("Committed %s to %s (%s)", p.iss.ID, target, shortSHA(sha)), p.iss.ID, p.w.id)
	return nil
}

// maybeOpenPR opens one pull request for an epic once every issue of it
// enqueued in this run has completed.
func (o *Orchestrator) maybeOpenPR(ctx context.Context, key string) {
	o.mu.Lock()
	ep := o.epics[key]
	branch, hasBranch := o.branches[key]
	if ep == nil || ep.pr || !hasBranch || !ep.complete() {
		o.mu.Unlock()
		return
	}
	ep.pr = true
	var lines []string
	for id := range ep.members {
		lines = append(lines, fmt.Sprintf("- %s: %s", id, ep.titles[id]))
	}
	o.mu.Unlock()

	if o.caps.PR == nil {
		o.warnOnce("pr", "Pull request skipped: no PR capability configured")
		return
	}
	ctx = context.WithoutCancel(ctx)

	title := "Epic " + key
	if epic, err := o.store.GetIssue(ctx, key); err == nil {
		title = epic.Title
	}
	if err := o.caps.Git.Push(ctx, branch); err != nil {
		o.appendLog(SeverityWarning, fmt.Sprintf("Push of %s failed: %v", branch, err), key, "")
		return
	}

	slices.Sort(lines)
	url, err := o.caps.PR.CreatePR(ctx, capability.PRRequest{
		Title:  title,
		Body:   "Completed issues:\n\n" + strings.Join(lines, "\n"),
		Branch: branch,
		Base:   o.cfg.PR.Base,
		Draft:  o.cfg.PR.Draft,
		Labels: o.cfg.PR.Labels,
	})
	if err != nil {
		o.appendLog(SeverityWarning, fmt.Sprintf("Opening PR for %s failed: %v", key, err), key, "")
		return
	}

	o.mu.Lock()
	o.prs = append(o.prs, PullRequest{EpicID: key, Branch: branch, URL: url})
	o.mu.Unlock()
	o.bus.Publish(event.NewPROpenedEvent(key, branch, url))
	o.appendLog(SeveritySuccess, "Opened pull request "+url, key, "")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
