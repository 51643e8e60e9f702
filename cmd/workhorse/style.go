package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/lyndonlyu/workhorse/internal/health"
)

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleLevel   = map[health.Level]lipgloss.Style{
		health.GREEN:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		health.YELLOW:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		health.RED:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		health.CRITICAL: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	}
)

func renderLevel(l health.Level) string {
	if s, ok := styleLevel[l]; ok {
		return s.Render("[" + l.String() + "]")
	}
	return "[" + l.String() + "]"
}

// renderStatus colours a task status.
func renderStatus(status string) string {
	switch status {
	case "completed":
		return styleSuccess.Render(status)
	case "failed":
		return styleError.Render(status)
	case "cancelled":
		return styleWarn.Render(status)
	default:
		return styleDim.Render(status)
	}
}
