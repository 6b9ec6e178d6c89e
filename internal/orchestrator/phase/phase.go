// Package phase defines the per-issue pipeline an issue moves through while a
// worker holds it, and a small state machine that enforces the transition
// table and records a timestamped history.
package phase

import (
	"slices"
)

// Phase is a discrete stage of an issue's pipeline.
type Phase string

const (
	// Selecting is the initial phase while the scheduler assigns an issue.
	Selecting Phase = "selecting"

	// Working runs the implementation capability.
	Working Phase = "working"

	// SelfReview runs an advisory review over the modified files.
	SelfReview Phase = "self_review"

	// AIAudits runs the enabled audits in parallel. Skipped when no audit is on.
	AIAudits Phase = "ai_audits"

	// Testing runs the enabled verification steps (lint, test, build).
	Testing Phase = "testing"

	// Fixing runs the fix capability after an attributable failure.
	Fixing Phase = "fixing"

	// HumanReview parks the issue until a reviewer accepts it or asks for a refactor.
	HumanReview Phase = "human_review"

	// Committing stages and commits the modified files. It is always
	// entered and does nothing when auto commit is off.
	Committing Phase = "committing"

	// Done means the issue completed.
	Done Phase = "done"

	// Blocked means the issue stopped and needs outside intervention.
	Blocked Phase = "blocked"
)

// AllPhases returns every phase in pipeline order.
func AllPhases() []Phase {
	return []Phase{
		Selecting,
		Working,
		SelfReview,
		AIAudits,
		Testing,
		Fixing,
		HumanReview,
		Committing,
		Done,
		Blocked,
	}
}

// IsTerminal reports whether p ends the pipeline.
func (p Phase) IsTerminal() bool {
	return p == Done || p == Blocked
}

// IsValid reports whether p is one of the defined phases.
func (p Phase) IsValid() bool {
	return slices.Contains(AllPhases(), p)
}

func (p Phase) String() string {
	return string(p)
}

// ValidTransitions is the single source of truth for the pipeline. Every
// non-terminal phase may move to Blocked.
var ValidTransitions = map[Phase][]Phase{
	Selecting: {Working, Blocked},

	Working: {SelfReview, Blocked},

	// Audits are optional
	SelfReview: {AIAudits, Testing, Blocked},

	AIAudits: {Testing, Blocked},

	// Human review is optional after a passing run
	Testing: {Fixing, HumanReview, Committing, Blocked},

	Fixing: {Testing, Blocked},

	// A refactor request sends the issue back to Working
	HumanReview: {Committing, Working, Blocked},

	Committing: {Done, Blocked},

	Done:    {},
	Blocked: {},
}

// CanTransition reports whether from -> to is in ValidTransitions.
func CanTransition(from, to Phase) bool {
	targets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(targets, to)
}
