package orchestrator

import (
	"fmt"

	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/errors"
)

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	Lint               *bool `json:"lint,omitempty"`
	Test               *bool `json:"test,omitempty"`
	Build              *bool `json:"build,omitempty"`
	MaxRetries         *int  `json:"max_retries,omitempty"`
	RequireHumanReview *bool `json:"require_human_review,omitempty"`
	AutoCommit         *bool `json:"auto_commit,omitempty"`
	UseFeatureBranches *bool `json:"use_feature_branches,omitempty"`
	AutoCreatePR       *bool `json:"auto_create_pr,omitempty"`
	PriorityThreshold  *int  `json:"priority_threshold,omitempty"`
	WorkerCount        *int  `json:"worker_count,omitempty"`

	AuditSecurity      *bool `json:"audit_security,omitempty"`
	AuditPerformance   *bool `json:"audit_performance,omitempty"`
	AuditQuality       *bool `json:"audit_quality,omitempty"`
	AuditAccessibility *bool `json:"audit_accessibility,omitempty"`
}

// PatchFrom builds a patch that turns from into to, field by field.
func PatchFrom(from, to config.Settings) SettingsPatch {
	var p SettingsPatch
	setBool := func(dst **bool, a, b bool) {
		if a != b {
			v := b
			*dst = &v
		}
	}
	setInt := func(dst **int, a, b int) {
		if a != b {
			v := b
			*dst = &v
		}
	}
	setBool(&p.Lint, from.Lint, to.Lint)
	setBool(&p.Test, from.Test, to.Test)
	setBool(&p.Build, from.Build, to.Build)
	setInt(&p.MaxRetries, from.MaxRetries, to.MaxRetries)
	setBool(&p.RequireHumanReview, from.RequireHumanReview, to.RequireHumanReview)
	setBool(&p.AutoCommit, from.AutoCommit, to.AutoCommit)
	setBool(&p.UseFeatureBranches, from.UseFeatureBranches, to.UseFeatureBranches)
	setBool(&p.AutoCreatePR, from.AutoCreatePR, to.AutoCreatePR)
	setInt(&p.PriorityThreshold, from.PriorityThreshold, to.PriorityThreshold)
	setInt(&p.WorkerCount, from.WorkerCount, to.WorkerCount)
	setBool(&p.AuditSecurity, from.Audits.Security, to.Audits.Security)
	setBool(&p.AuditPerformance, from.Audits.Performance, to.Audits.Performance)
	setBool(&p.AuditQuality, from.Audits.Quality, to.Audits.Quality)
	setBool(&p.AuditAccessibility, from.Audits.Accessibility, to.Audits.Accessibility)
	return p
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p == SettingsPatch{}
}

// Apply returns s with the patch applied.
func (p SettingsPatch) Apply(s config.Settings) config.Settings {
	for _, f := range []struct {
		src *bool
		dst *bool
	}{
		{p.Lint, &s.Lint},
		{p.Test, &s.Test},
		{p.Build, &s.Build},
		{p.RequireHumanReview, &s.RequireHumanReview},
		{p.AutoCommit, &s.AutoCommit},
		{p.UseFeatureBranches, &s.UseFeatureBranches},
		{p.AutoCreatePR, &s.AutoCreatePR},
		{p.AuditSecurity, &s.Audits.Security},
		{p.AuditPerformance, &s.Audits.Performance},
		{p.AuditQuality, &s.Audits.Quality},
		{p.AuditAccessibility, &s.Audits.Accessibility},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	for _, f := range []struct {
		src *int
		dst *int
	}{
		{p.MaxRetries, &s.MaxRetries},
		{p.PriorityThreshold, &s.PriorityThreshold},
		{p.WorkerCount, &s.WorkerCount},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	return s
}

// UpdateSettings applies patch to the settings used by the next run. It is
// rejected with ErrSettingsLocked unless the orchestrator is idle, and with
// config.ValidationErrors when the result is out of range.
func (o *Orchestrator) UpdateSettings(patch SettingsPatch) (config.Settings, error) {
	o.mu.Lock()
	if o.status != StatusIdle {
		status := o.status
		current := o.settings
		o.mu.Unlock()
		return current, fmt.Errorf("%w (status %s)", errors.ErrSettingsLocked, status)
	}
	next := patch.Apply(o.settings)
	if errs := next.Validate(); len(errs) > 0 {
		current := o.settings
		o.mu.Unlock()
		return current, config.ValidationErrors(errs)
	}
	o.settings = next
	o.mu.Unlock()

	if !patch.Empty() {
		o.appendLog(SeverityInfo, "Settings updated", "", "")
	}
	return next, nil
}
