package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Truncate shortens a plain (non-styled) string to maxLen, ending in "…" if
// truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen == 1 {
		return "…"
	}
	return string(runes[:maxLen-1]) + "…"
}

// TruncateStyled shortens a string that may contain ANSI escape sequences.
func TruncateStyled(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= maxLen {
		return s
	}
	return ansi.Truncate(s, maxLen, "…")
}

func centerText(s string, totalW int) string {
	w := lipgloss.Width(s)
	if w >= totalW {
		return s
	}
	return strings.Repeat(" ", (totalW-w)/2) + s
}

// padRight pads a possibly styled string with spaces to width w.
func padRight(s string, w int) string {
	if pad := w - lipgloss.Width(s); pad > 0 {
		return s + strings.Repeat(" ", pad)
	}
	return s
}

// displayTopic trims the padding from a canonical topic name.
func displayTopic(name string) string {
	t := strings.TrimRight(name, " ")
	if t == "" {
		return "(blank)"
	}
	return t
}

// formatSince renders the age of a unix timestamp like "42s", "5m", "3h" or
// "2d".
func formatSince(ts int64, now time.Time) string {
	if ts == 0 {
		return "-"
	}
	d := now.Sub(time.Unix(ts, 0))
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// formatClock renders a unix timestamp as local wall-clock time.
func formatClock(ts int64) string {
	return time.Unix(ts, 0).Format("15:04:05")
}
