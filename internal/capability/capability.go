// Package capability defines the external collaborators a worker drives
// through an issue's pipeline, and the command-line adapters that implement
// them: a JSON-over-stdio coding agent, shell verification steps, git, and
// the gh CLI for pull requests.
//
// Every capability is optional. The orchestrator checks a Set before a run
// and turns a missing capability into a warning plus a no-op for the
// setting that needs it.
package capability

import (
	"context"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/filelock"
)

// Kind identifies the agent operation carried by a Request.
type Kind string

const (
	KindImplement Kind = "implement"
	KindReview    Kind = "review"
	KindAudit     Kind = "audit"
	KindFix       Kind = "fix"
	KindAuditFix  Kind = "audit_fix"
)

// AuditKind names one of the optional audits.
type AuditKind string

const (
	AuditSecurity      AuditKind = "security"
	AuditPerformance   AuditKind = "performance"
	AuditQuality       AuditKind = "quality"
	AuditAccessibility AuditKind = "accessibility"
)

// AllAudits returns the audit kinds in run order.
func AllAudits() []AuditKind {
	return []AuditKind{AuditSecurity, AuditPerformance, AuditQuality, AuditAccessibility}
}

// Request is what a worker hands to an agent capability.
type Request struct {
	Kind        Kind      `json:"kind"`
	IssueID     string    `json:"issue_id"`
	WorkerID    string    `json:"worker_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Context     []string  `json:"context,omitempty"`
	Files       []string  `json:"files,omitempty"`
	Audit       AuditKind `json:"audit,omitempty"`
	Failure     string    `json:"failure,omitempty"`
	Notes       []string  `json:"notes,omitempty"`

	// Locker lets an in-process capability lock paths before writing them.
	// External agents use the control socket instead.
	Locker filelock.Locker `json:"-"`
}

// Result is what an agent capability reports back.
type Result struct {
	Success       bool     `json:"success"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	Findings      []string `json:"findings,omitempty"`
}

// Implementer writes the code for an issue.
type Implementer interface {
	Implement(ctx context.Context, req Request) (Result, error)
}

// Reviewer reviews the files an issue modified. Its notes are advisory.
type Reviewer interface {
	Review(ctx context.Context, req Request) (Result, error)
}

// Auditor runs one audit over the modified files.
type Auditor interface {
	Audit(ctx context.Context, kind AuditKind, req Request) (Result, error)
}

// Fixer repairs a verification failure or audit findings.
type Fixer interface {
	Fix(ctx context.Context, req Request) (Result, error)
}

// Step is one verification step.
type Step string

const (
	StepLint  Step = "lint"
	StepTest  Step = "test"
	StepBuild Step = "build"
)

// AllSteps returns the verification steps in run order.
func AllSteps() []Step {
	return []Step{StepLint, StepTest, StepBuild}
}

// StepResult is the outcome of one verification step.
type StepResult struct {
	Step   Step
	Passed bool
	Output string
}

// Verifier runs verification steps.
type Verifier interface {
	Verify(ctx context.Context, step Step) (StepResult, error)
}

// CommitRequest describes one commit. An empty Branch commits on the
// checked-out branch.
type CommitRequest struct {
	Branch  string
	Files   []string
	Message string
}

// Git commits work and manages per-epic branches.
type Git interface {
	CreateBranch(ctx context.Context, name string) error
	Commit(ctx context.Context, req CommitRequest) (string, error)
	Push(ctx context.Context, branch string) error
}

// PRRequest describes a pull request to open.
type PRRequest struct {
	Title  string
	Body   string
	Branch string
	Base   string
	Draft  bool
	Labels []string
}

// PR opens pull requests.
type PR interface {
	CreatePR(ctx context.Context, req PRRequest) (string, error)
}

// Set bundles the capabilities a run may use. Nil members are unavailable.
type Set struct {
	Implementer Implementer
	Reviewer    Reviewer
	Auditor     Auditor
	Fixer       Fixer
	Verifier    Verifier
	Git         Git
	PR          PR
}

// LookPath returns an error matching errors.ErrCapabilityUnavailable when
// bin cannot be found.
func LookPath(name, bin string) error {
	if bin == "" {
		return errors.NewCapabilityUnavailable(name, errors.New("no command configured"))
	}
	if _, err := exec.LookPath(bin); err != nil {
		return errors.NewCapabilityUnavailable(name, err)
	}
	return nil
}

// UIFiles returns the files matching any of the glob patterns. A pattern
// without a slash is tested against the base name, otherwise against the
// whole slash-separated path, where ** crosses directories. Patterns that do
// not compile are ignored. Used to scope the accessibility audit.
func UIFiles(files, patterns []string) []string {
	type matcher struct {
		g    glob.Glob
		full bool
	}
	var matchers []matcher
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			continue
		}
		matchers = append(matchers, matcher{g: g, full: strings.Contains(p, "/")})
	}

	var out []string
	for _, f := range files {
		f = filepath.ToSlash(f)
		if slices.ContainsFunc(matchers, func(m matcher) bool {
			if m.full {
				return m.g.Match(f)
			}
			return m.g.Match(path.Base(f))
		}) {
			out = append(out, f)
		}
	}
	return out
}
