// Package styles holds the monitor's lipgloss palette.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	// Colors meet WCAG AA contrast on black and dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	SurfaceColor   = lipgloss.Color("#1F2937") // Dark surface
	TextColor      = lipgloss.Color("#F9FAFB") // Light text
	BorderColor    = lipgloss.Color("#6B7280") // Gray
	BlueColor      = lipgloss.Color("#60A5FA")
	PinkColor      = lipgloss.Color("#F472B6")

	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)
	Text      = lipgloss.NewStyle().Foreground(TextColor)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor).
		MarginBottom(1)

	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(BorderColor).
		Padding(0, 1)

	PanelTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	StatusBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(SurfaceColor).
			Padding(0, 1)

	HelpBar = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	HelpKey = lipgloss.NewStyle().
		Bold(true).
		Foreground(SecondaryColor)

	ErrorMsg = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)
)

// StatusColor returns the badge color for an orchestrator status.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return SecondaryColor
	case "paused":
		return BlueColor
	case "error":
		return ErrorColor
	default:
		return MutedColor
	}
}

// PhaseColor returns the color a worker's phase is drawn in.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "working", "self_review", "ai_audits":
		return SecondaryColor
	case "testing":
		return BlueColor
	case "fixing":
		return WarningColor
	case "human_review":
		return PinkColor
	case "committing", "done":
		return PrimaryColor
	case "blocked":
		return ErrorColor
	default:
		return MutedColor
	}
}

// SeverityStyle returns the style for a run log entry.
func SeverityStyle(severity string) lipgloss.Style {
	switch severity {
	case "success":
		return Secondary
	case "warning":
		return Warning
	case "error":
		return Error
	case "agent":
		return Muted
	default:
		return Text
	}
}

// SeverityIcon returns the glyph prefixed to a run log entry.
func SeverityIcon(severity string) string {
	switch severity {
	case "success":
		return "✓"
	case "warning":
		return "!"
	case "error":
		return "✗"
	case "agent":
		return "›"
	default:
		return "•"
	}
}
