package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/thobiasn/bridge/internal/protocol"
)

// Theme holds all colors used by the dashboard. Views reference theme
// fields, never raw color values.
type Theme struct {
	Critical lipgloss.Color // red
	Warning  lipgloss.Color // yellow
	Healthy  lipgloss.Color // green
	Accent   lipgloss.Color // cyan
	Fg       lipgloss.Color
	FgDim    lipgloss.Color // gray
}

// DefaultTheme returns the default color theme using standard terminal
// colors.
func DefaultTheme() Theme {
	return Theme{
		Critical: lipgloss.Color("9"),
		Warning:  lipgloss.Color("11"),
		Healthy:  lipgloss.Color("10"),
		Accent:   lipgloss.Color("14"),
		Fg:       lipgloss.Color("15"),
		FgDim:    lipgloss.Color("8"),
	}
}

// KindColor returns the color of an event kind in the log panel.
func (t Theme) KindColor(kind string) lipgloss.Color {
	switch kind {
	case protocol.EventError:
		return t.Critical
	case protocol.EventEvict:
		return t.Warning
	case protocol.EventSubscribe, protocol.EventServer:
		return t.Healthy
	case protocol.EventPublish:
		return t.Accent
	default:
		return t.FgDim
	}
}

func mutedStyle(t *Theme) lipgloss.Style  { return lipgloss.NewStyle().Foreground(t.FgDim) }
func accentStyle(t *Theme) lipgloss.Style { return lipgloss.NewStyle().Foreground(t.Accent) }
func fgStyle(t *Theme) lipgloss.Style     { return lipgloss.NewStyle().Foreground(t.Fg) }

// styledSep returns a " · " separator with a muted dot.
func styledSep(t *Theme) string {
	return " " + mutedStyle(t).Render("·") + " "
}
