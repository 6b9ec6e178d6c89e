package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/orchestrator/phase"
	"github.com/Iron-Ham/autobuild/internal/silo"
)

func (p *pipeline) enabledAudits() []capability.AuditKind {
	a := p.settings.Audits
	var kinds []capability.AuditKind
	for _, k := range capability.AllAudits() {
		switch {
		case k == capability.AuditSecurity && a.Security,
			k == capability.AuditPerformance && a.Performance,
			k == capability.AuditQuality && a.Quality,
			k == capability.AuditAccessibility && a.Accessibility:
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// audit runs the enabled audits in parallel and, when any of them report
// findings, makes a single fix pass. The pass is counted separately from
// the retry budget.
func (p *pipeline) audit(ctx context.Context) error {
	if err := p.to(ctx, phase.AIAudits, "run audits"); err != nil {
		return err
	}
	if p.o.caps.Auditor == nil {
		p.o.warnOnce("audit", "Audits skipped: no audit capability configured")
		return nil
	}

	kinds := p.enabledAudits()
	findings := make([][]string, len(kinds))
	callCtx := context.WithoutCancel(ctx)

	// A failing audit must not cancel its siblings, so no derived context
	var g errgroup.Group
	for i, kind := range kinds {
		req := p.request(capability.KindAudit)
		req.Audit = kind
		if kind == capability.AuditAccessibility {
			req.Files = capability.UIFiles(p.modified, p.o.cfg.Agent.UIPathPatterns)
			if len(req.Files) == 0 {
				p.logger.Debug("no UI files modified, skipping accessibility audit")
				continue
			}
		}
		g.Go(func() error {
			res, err := p.o.caps.Auditor.Audit(callCtx, kind, req)
			if err != nil {
				return fmt.Errorf("%s audit: %w", kind, err)
			}
			for _, f := range res.Findings {
				findings[i] = append(findings[i], fmt.Sprintf("[%s] %s", kind, f))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.o.appendLog(SeverityWarning, "Audit failed: "+err.Error(), p.iss.ID, p.w.id)
	}

	var merged []string
	for _, f := range findings {
		merged = append(merged, f...)
	}
	if len(merged) == 0 {
		return nil
	}
	p.note(silo.Note{Kind: silo.KindAudit, Text: strings.Join(merged, "\n")})
	p.o.appendLog(SeverityInfo, fmt.Sprintf("Audits reported %d finding(s)", len(merged)), p.iss.ID, p.w.id)

	if p.o.caps.Fixer == nil {
		p.o.warnOnce("fix", "Fix skipped: no fix capability configured")
		return nil
	}
	p.o.retries.RecordAuditFix(p.iss.ID)
	p.syncRetries()

	req := p.request(capability.KindAuditFix)
	req.Notes = append(req.Notes, merged...)
	res, err := p.o.caps.Fixer.Fix(callCtx, req)
	if err != nil {
		return p.fail(phase.AIAudits, err)
	}
	p.relayNotes(res.Notes)
	return p.recordFiles(ctx, res.ModifiedFiles, true)
}
