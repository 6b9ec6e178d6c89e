// Package util provides small string helpers shared by the monitor and the
// orchestrator.
package util

import (
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Ellipsis marks text cut by Truncate.
const Ellipsis = "…"

// Truncate shortens s to at most width terminal columns, ending in an
// ellipsis when cut. Escape sequences and wide characters are measured the
// way the terminal draws them. A width below 1 yields "".
func Truncate(s string, width int) string {
	if width < 1 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	if width == 1 {
		return Ellipsis
	}
	return ansi.Truncate(s, width, Ellipsis)
}

// Clip keeps at most max bytes of s, cutting on a rune boundary and
// appending marker when anything was dropped. Used to bound tool output
// kept in notes and logs.
func Clip(s string, max int, marker string) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
