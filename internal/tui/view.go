package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/autobuild/internal/orchestrator"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
	"github.com/Iron-Ham/autobuild/internal/tui/styles"
	"github.com/Iron-Ham/autobuild/internal/util"
)

// Lines reserved for the header, stats line, and help bar.
const chromeLines = 6

// Rows shown in the queue panel before the remainder is summarized.
const maxQueueRows = 8

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.loaded {
		if m.err != nil {
			return styles.ErrorMsg.Render("snapshot: "+m.err.Error()) + "\n"
		}
		return m.spinner.View() + " connecting…\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n")

	panels := []string{m.renderWorkers(), m.renderQueue()}
	if side := m.renderSide(); side != "" {
		panels = append(panels, side)
	}
	b.WriteString(lipgloss.JoinVertical(lipgloss.Left, panels...))
	b.WriteString("\n")
	b.WriteString(m.renderLogs())
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	s := m.snap
	badge := styles.StatusBadge.Background(styles.StatusColor(s.Status.String())).Render(strings.ToUpper(s.Status.String()))

	parts := []string{styles.PanelTitle.Render("autobuild"), badge}
	if s.RunID != "" {
		parts = append(parts, styles.Muted.Render("run "+shortID(s.RunID)))
	}
	if s.StartedAt != nil && s.Status != orchestrator.StatusIdle {
		parts = append(parts, styles.Muted.Render(formatDuration(m.now().Sub(*s.StartedAt))))
	}
	if m.err != nil {
		parts = append(parts, styles.ErrorMsg.Render("stale: "+m.err.Error()))
	}
	return styles.Header.Width(m.contentWidth()).Render(strings.Join(parts, "  "))
}

func (m Model) renderStats() string {
	st := m.snap.Stats
	return fmt.Sprintf("%s  %s  %s  %s  %s",
		styles.Text.Render(fmt.Sprintf("queued %d", st.Total)),
		styles.Muted.Render(fmt.Sprintf("pending %d", st.Pending)),
		styles.Secondary.Render(fmt.Sprintf("active %d", st.Assigned)),
		styles.Error.Render(fmt.Sprintf("blocked %d", st.Blocked)),
		styles.Primary.Render(fmt.Sprintf("done %d", len(m.snap.Completed))),
	)
}

func (m Model) renderWorkers() string {
	var lines []string
	lines = append(lines, styles.PanelTitle.Render("Workers"))
	if len(m.snap.Workers) == 0 {
		lines = append(lines, styles.Muted.Render("no workers"))
	}
	for _, w := range m.snap.Workers {
		if w.Idle() {
			lines = append(lines, fmt.Sprintf("  %s %s", w.ID, styles.Muted.Render("idle")))
			continue
		}
		ph := lipgloss.NewStyle().Foreground(styles.PhaseColor(string(w.Phase))).Render(string(w.Phase))
		line := fmt.Sprintf("%s %s %s %s", m.spinner.View(), w.ID, w.IssueID, ph)
		if w.RetryCount > 0 {
			line += styles.Warning.Render(fmt.Sprintf(" retry %d (%d left)", w.RetryCount, w.RetriesRemaining))
		}
		if w.AuditFixes > 0 {
			line += styles.Muted.Render(fmt.Sprintf(" audit-fix %d", w.AuditFixes))
		}
		if n := len(w.ModifiedFiles); n > 0 {
			line += styles.Muted.Render(fmt.Sprintf(" %d file(s)", n))
		}
		if w.StartedAt != nil {
			line += styles.Muted.Render(" " + formatDuration(m.now().Sub(*w.StartedAt)))
		}
		lines = append(lines, line, "    "+util.Truncate(w.IssueTitle, m.contentWidth()-8))
	}
	return styles.Panel.Width(m.contentWidth()).Render(strings.Join(lines, "\n"))
}

func (m Model) renderQueue() string {
	lines := []string{styles.PanelTitle.Render("Queue")}
	if len(m.snap.Queue) == 0 {
		lines = append(lines, styles.Muted.Render("empty"))
	}
	for i, e := range m.snap.Queue {
		if i == maxQueueRows {
			lines = append(lines, styles.Muted.Render(fmt.Sprintf("… %d more", len(m.snap.Queue)-i)))
			break
		}
		tag := e.Issue.PhaseLabel()
		if tag == "" {
			tag = "--"
		}
		state := styles.Muted.Render(string(e.State))
		switch e.State {
		case taskqueue.StateAssigned:
			state = styles.Secondary.Render(string(e.State) + " " + e.AssignedTo)
		case taskqueue.StateBlocked:
			state = styles.Error.Render(string(e.State))
		}
		line := fmt.Sprintf("%-3s pri%d %-10s %s %s", tag, e.Issue.Priority, e.Issue.ID, state,
			util.Truncate(e.Issue.Title, m.contentWidth()/2))
		lines = append(lines, line)
		if e.State == taskqueue.StateBlocked && e.BlockedReason != "" {
			lines = append(lines, "    "+styles.Muted.Render(util.Truncate(e.BlockedReason, m.contentWidth()-8)))
		}
	}
	return styles.Panel.Width(m.contentWidth()).Render(strings.Join(lines, "\n"))
}

// renderSide shows pending reviews, held locks, and opened PRs when any exist.
func (m Model) renderSide() string {
	var lines []string
	if len(m.snap.PendingReviews) > 0 {
		lines = append(lines, styles.PanelTitle.Render("Awaiting review"))
		for _, p := range m.snap.PendingReviews {
			lines = append(lines, fmt.Sprintf("  %s %s %s", styles.Warning.Render(p.IssueID),
				styles.Muted.Render(p.WorkerID), styles.Muted.Render(fmt.Sprintf("%d file(s)", len(p.Files)))))
		}
	}
	if len(m.snap.Locks) > 0 {
		lines = append(lines, styles.PanelTitle.Render("Locks"))
		for _, l := range m.snap.Locks {
			lines = append(lines, fmt.Sprintf("  %s %s", util.Truncate(l.Path, m.contentWidth()/2), styles.Muted.Render(l.Owner)))
		}
	}
	if len(m.snap.PullRequests) > 0 {
		lines = append(lines, styles.PanelTitle.Render("Pull requests"))
		for _, pr := range m.snap.PullRequests {
			lines = append(lines, fmt.Sprintf("  %s %s", pr.EpicID, styles.Primary.Render(pr.URL)))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return styles.Panel.Width(m.contentWidth()).Render(strings.Join(lines, "\n"))
}

func (m Model) renderLogs() string {
	used := chromeLines + lipgloss.Height(m.renderWorkers()) + lipgloss.Height(m.renderQueue())
	if side := m.renderSide(); side != "" {
		used += lipgloss.Height(side)
	}
	room := m.height - used
	if room < 3 {
		room = 3
	}

	logs := m.snap.Logs
	if len(logs) > room {
		logs = logs[len(logs)-room:]
	}
	var b strings.Builder
	for _, e := range logs {
		sev := string(e.Severity)
		st := styles.SeverityStyle(sev)
		msg := util.Truncate(e.Message, m.contentWidth()-14)
		fmt.Fprintf(&b, "%s %s %s\n", styles.Muted.Render(e.Time.Format("15:04:05")),
			st.Render(styles.SeverityIcon(sev)), st.Render(msg))
	}
	return b.String()
}

func (m Model) renderHelp() string {
	return styles.HelpBar.Render(styles.HelpKey.Render("q") + " quit monitor")
}

func (m Model) contentWidth() int {
	if m.width < 40 {
		return 40
	}
	return m.width - 2
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
