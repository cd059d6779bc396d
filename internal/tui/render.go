package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/thobiasn/bridge/internal/protocol"
)

// maxContentW caps the dashboard width on very wide terminals.
const maxContentW = 160

// Box renders a bordered panel with a title using rounded Unicode corners.
// Content is padded to fill width×height (including borders).
func Box(title, content string, width, height int, theme *Theme) string {
	if width < 4 {
		width = 4
	}
	if height < 3 {
		height = 3
	}
	innerW := width - 2

	var top string
	if title != "" {
		titleStr := " " + title + " "
		if lipgloss.Width(titleStr) > innerW-2 {
			titleStr = Truncate(titleStr, innerW-2)
		}
		titleLen := lipgloss.Width(titleStr)
		styled := lipgloss.NewStyle().Foreground(theme.Accent).Bold(true).Render(titleStr)
		trailing := max(innerW-1-titleLen, 0)
		top = "╭─" + styled + strings.Repeat("─", trailing) + "╮"
	} else {
		top = "╭" + strings.Repeat("─", innerW) + "╮"
	}

	lines := strings.Split(content, "\n")
	innerH := height - 2
	for len(lines) < innerH {
		lines = append(lines, "")
	}
	if len(lines) > innerH {
		lines = lines[:innerH]
	}

	var b strings.Builder
	b.WriteString(top)
	b.WriteByte('\n')
	for _, line := range lines {
		if lipgloss.Width(line) > innerW {
			line = TruncateStyled(line, innerW)
		}
		b.WriteString("│")
		b.WriteString(padRight(line, innerW))
		b.WriteString("│\n")
	}
	b.WriteString("╰")
	b.WriteString(strings.Repeat("─", innerW))
	b.WriteString("╯")
	return b.String()
}

// cursorRow highlights a row as the cursor selection using Reverse.
func cursorRow(row string, w int) string {
	return lipgloss.NewStyle().Reverse(true).Render(padRight(Truncate(ansi.Strip(row), w), w))
}

// pageFrame centers content horizontally (if terminal is wider than contentW)
// and pads/trims vertically to fill the terminal height.
func pageFrame(content string, contentW, termW, termH int) string {
	if termW > contentW {
		padding := strings.Repeat(" ", (termW-contentW)/2)
		var centered []string
		for _, line := range strings.Split(content, "\n") {
			centered = append(centered, padding+line)
		}
		content = strings.Join(centered, "\n")
	}
	lines := strings.Split(content, "\n")
	for len(lines) < termH {
		lines = append(lines, "")
	}
	if len(lines) > termH {
		lines = lines[:termH]
	}
	return strings.Join(lines, "\n")
}

// helpBinding describes a key-label pair for the help bar.
type helpBinding struct{ Key, Label string }

// renderHelpBar renders a centered help bar from key-label bindings.
func renderHelpBar(bindings []helpBinding, w int, t *Theme) string {
	dim := mutedStyle(t)
	bright := fgStyle(t)
	var parts []string
	for _, b := range bindings {
		parts = append(parts, bright.Render(b.Key)+" "+dim.Render(b.Label))
	}
	return centerText(strings.Join(parts, "  "), w)
}

var dashboardHelp = []helpBinding{
	{"j/k ↑/↓", "move"},
	{"PgUp/PgDn", "page"},
	{"g/G", "first/last"},
	{"q", "quit"},
}

// layout splits the terminal into the panel heights used by View.
func (a *App) layout() (upperH, lowerH int) {
	avail := a.height - 2 // title and help bar
	upperH = max(avail/2, 5)
	lowerH = max(avail-upperH, 3)
	return upperH, lowerH
}

// topicRows is the number of topic lines visible in the topics panel.
func (a *App) topicRows() int {
	upperH, _ := a.layout()
	return max(upperH-3, 1) // borders and header
}

func (a *App) contentWidth() int {
	return min(a.width, maxContentW)
}

// View renders the dashboard.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return ""
	}
	w := a.contentWidth()
	upperH, lowerH := a.layout()
	leftW := w * 2 / 5
	rightW := w - leftW

	upper := lipgloss.JoinHorizontal(lipgloss.Top,
		a.renderTopics(leftW, upperH),
		a.renderSubscribers(rightW, upperH),
	)
	parts := []string{
		a.renderTitle(w),
		upper,
		a.renderEvents(w, lowerH),
		renderHelpBar(dashboardHelp, w, &a.theme),
	}
	return pageFrame(strings.Join(parts, "\n"), w, a.width, a.height)
}

func (a *App) renderTitle(w int) string {
	t := &a.theme
	info := a.state.info
	title := accentStyle(t).Bold(true).Render("bridge")
	var addr string
	if info.Addr != "" {
		addr = fgStyle(t).Render(fmt.Sprintf("%s:%d", info.Addr, info.Port))
	} else {
		addr = mutedStyle(t).Render("connecting…")
	}
	status := lipgloss.NewStyle().Foreground(t.Healthy).Render("● listening")
	if !info.Listening {
		status = lipgloss.NewStyle().Foreground(t.Critical).Render("○ stopped")
	}
	line := title + styledSep(t) + addr + styledSep(t) + status +
		styledSep(t) + mutedStyle(t).Render(fmt.Sprintf("%d topics, %d subscribers",
		len(a.state.topics), a.state.subscriberTotal()))
	if info.StartedAt > 0 {
		line += styledSep(t) + mutedStyle(t).Render("up "+formatSince(info.StartedAt, a.now))
	}
	if a.err != nil {
		line += styledSep(t) + lipgloss.NewStyle().Foreground(t.Critical).Render(a.err.Error())
	}
	return TruncateStyled(line, w)
}

func (a *App) renderTopics(w, h int) string {
	t := &a.theme
	innerW := w - 2
	subsW := 5
	nameW := max(innerW-subsW-1, 1)

	var lines []string
	lines = append(lines, mutedStyle(t).Render(padRight("TOPIC", nameW)+" "+fmt.Sprintf("%*s", subsW, "SUBS")))
	if len(a.state.topics) == 0 {
		lines = append(lines, mutedStyle(t).Render("no topics"))
	}
	end := min(a.offset+a.topicRows(), len(a.state.topics))
	for i := a.offset; i < end; i++ {
		topic := a.state.topics[i]
		row := padRight(Truncate(displayTopic(topic.Name), nameW), nameW) + " " +
			fmt.Sprintf("%*d", subsW, len(topic.Subscribers))
		if i == a.cursor {
			row = cursorRow(row, innerW)
		} else {
			row = fgStyle(t).Render(row)
		}
		lines = append(lines, row)
	}
	title := "topics"
	if n := len(a.state.topics); n > 0 {
		title = fmt.Sprintf("topics %d/%d", a.cursor+1, n)
	}
	return Box(title, strings.Join(lines, "\n"), w, h, t)
}

func (a *App) renderSubscribers(w, h int) string {
	t := &a.theme
	sel := a.selected()
	if sel == nil {
		return Box("subscribers", mutedStyle(t).Render("select a topic"), w, h, t)
	}
	var lines []string
	if len(sel.Subscribers) == 0 {
		lines = append(lines, mutedStyle(t).Render("no subscribers"))
	}
	for i, s := range sel.Subscribers {
		lines = append(lines, mutedStyle(t).Render(fmt.Sprintf("%3d ", i+1))+
			fgStyle(t).Render(fmt.Sprintf("%s:%d", s.Addr, s.Port))+
			styledSep(t)+mutedStyle(t).Render(formatSince(s.Since, a.now)))
	}
	if limit := h - 2; len(lines) > limit {
		rest := len(lines) - limit + 1
		lines = append(lines[:limit-1], mutedStyle(t).Render(fmt.Sprintf("+%d more", rest)))
	}
	return Box("subscribers "+displayTopic(sel.Name), strings.Join(lines, "\n"), w, h, t)
}

func (a *App) renderEvents(w, h int) string {
	t := &a.theme
	var lines []string
	for _, e := range a.events.Tail(max(h-2, 1)) {
		lines = append(lines, formatEvent(e, t))
	}
	if len(lines) == 0 {
		lines = append(lines, mutedStyle(t).Render("no events"))
	}
	return Box("events", strings.Join(lines, "\n"), w, h, t)
}

// formatEvent renders one log line: time, kind, connection, topic, message.
func formatEvent(e protocol.EventMsg, t *Theme) string {
	kind := lipgloss.NewStyle().Foreground(t.KindColor(e.Kind)).Render(padRight(e.Kind, 11))
	line := mutedStyle(t).Render(formatClock(e.Timestamp)) + " " + kind
	if e.Conn != "" {
		line += " " + mutedStyle(t).Render(e.Conn)
	}
	if e.Remote != "" {
		line += " " + fgStyle(t).Render(e.Remote)
	}
	if e.Topic != "" {
		line += " " + accentStyle(t).Render("["+displayTopic(e.Topic)+"]")
	}
	return line + " " + fgStyle(t).Render(e.Message)
}
