// Package ui provides terminal output styling for the crew CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	ColorAccent  = lipgloss.Color("#5FAFD7")
	ColorSuccess = lipgloss.Color("#5FD787")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6C7A89")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
}

// Colorized reports whether the terminal supports colored output. Styles
// degrade to plain text automatically; callers only need this to pick
// between spinner and log-line progress output.
func Colorized() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Successf prints a checkmark line.
func Successf(format string, args ...any) string {
	return Styles.Success.Render("✓") + " " + fmt.Sprintf(format, args...)
}

// Warnf prints a warning line.
func Warnf(format string, args ...any) string {
	return Styles.Warning.Render("⚠") + " " + fmt.Sprintf(format, args...)
}

// Errorf prints an error line.
func Errorf(format string, args ...any) string {
	return Styles.Error.Render("✗") + " " + fmt.Sprintf(format, args...)
}

// ProgressBar renders a fixed-width bar: [=========>          ] 45.0%
// An indeterminate bar (unknown percentage) renders dashes instead.
func ProgressBar(percent float64, indeterminate bool, width int) string {
	if width <= 0 {
		width = 20
	}
	if indeterminate {
		return "[" + strings.Repeat("-", width) + "] ?"
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}

	var b strings.Builder
	b.WriteByte('[')
	if filled > 0 {
		b.WriteString(strings.Repeat("=", filled-1))
		if filled < width {
			b.WriteByte('>')
		} else {
			b.WriteByte('=')
		}
	}
	b.WriteString(strings.Repeat(" ", width-filled))
	b.WriteString(fmt.Sprintf("] %.1f%%", percent))
	return b.String()
}
