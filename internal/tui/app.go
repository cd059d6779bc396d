package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/bridge/internal/protocol"
)

const queryTimeout = 5 * time.Second

// historySize is the number of stored events loaded at startup.
const historySize = 200

type snapshotMsg struct {
	info   protocol.ServerInfo
	topics []protocol.TopicInfo
	err    error
}

type historyMsg struct {
	events []protocol.EventMsg
	err    error
}

type tickMsg time.Time

// App is the root Bubbletea model.
type App struct {
	src    Source
	theme  Theme
	width  int
	height int

	state  topicState
	events *RingBuffer[protocol.EventMsg]
	cursor int // index into state.topics
	offset int // first visible topic row
	now    time.Time
	err    error
}

// NewApp creates the dashboard model reading from src.
func NewApp(src Source) App {
	return App{
		src:    src,
		theme:  DefaultTheme(),
		events: NewRingBuffer[protocol.EventMsg](eventBufSize),
		now:    time.Now(),
	}
}

func refreshCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		info, err := src.QueryServer(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		topics, err := src.QueryTopics(ctx)
		return snapshotMsg{info: info, topics: topics, err: err}
	}
}

func historyCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		events, err := src.QueryEvents(ctx, protocol.QueryEventsReq{Limit: historySize})
		return historyMsg{events: events, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a App) Init() tea.Cmd {
	return tea.Batch(refreshCmd(a.src), historyCmd(a.src), tickCmd())
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.clampScroll()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case EventMsg:
		a.events.Push(msg.EventMsg)
		return a, nil

	case StateMsg:
		return a, refreshCmd(a.src)

	case snapshotMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		a.applySnapshot(msg.info, msg.topics)
		return a, nil

	case historyMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.mergeHistory(msg.events)
		return a, nil

	case ConnErrMsg:
		a.err = msg.Err
		return a, nil

	case tickMsg:
		a.now = time.Time(msg)
		return a, tickCmd()
	}
	return a, nil
}

// applySnapshot replaces the topic list, keeping the cursor on the same
// topic when it still exists.
func (a *App) applySnapshot(info protocol.ServerInfo, topics []protocol.TopicInfo) {
	selected := ""
	if a.cursor < len(a.state.topics) {
		selected = a.state.topics[a.cursor].Name
	}
	sortTopics(topics)
	a.state = topicState{info: info, topics: topics}
	if i := a.state.indexOf(selected); i >= 0 {
		a.cursor = i
	}
	a.clampScroll()
}

// mergeHistory puts stored events before the ones already streamed in.
func (a *App) mergeHistory(history []protocol.EventMsg) {
	live := a.events.Data()
	rb := NewRingBuffer[protocol.EventMsg](eventBufSize)
	for _, e := range history {
		rb.Push(e)
	}
	for _, e := range live {
		rb.Push(e)
	}
	a.events = rb
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "j", "down":
		a.cursor++
	case "k", "up":
		a.cursor--
	case "pgdown", "ctrl+f":
		a.cursor += a.topicRows()
	case "pgup", "ctrl+b":
		a.cursor -= a.topicRows()
	case "g", "home":
		a.cursor = 0
	case "G", "end":
		a.cursor = len(a.state.topics) - 1
	default:
		return a, nil
	}
	a.clampScroll()
	return a, nil
}

// clampScroll keeps the cursor on a topic and inside the visible window.
func (a *App) clampScroll() {
	n := len(a.state.topics)
	if a.cursor >= n {
		a.cursor = n - 1
	}
	if a.cursor < 0 {
		a.cursor = 0
	}
	rows := a.topicRows()
	if a.cursor < a.offset {
		a.offset = a.cursor
	}
	if a.cursor >= a.offset+rows {
		a.offset = a.cursor - rows + 1
	}
	if maxOff := n - rows; a.offset > maxOff {
		a.offset = max(maxOff, 0)
	}
}

// selected returns the topic under the cursor, or nil.
func (a *App) selected() *protocol.TopicInfo {
	if a.cursor < 0 || a.cursor >= len(a.state.topics) {
		return nil
	}
	return &a.state.topics[a.cursor]
}
