package tui

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/bridge/internal/broker"
	"github.com/thobiasn/bridge/internal/protocol"
)

// Messages delivered to the program by a Source.
type EventMsg struct {
	protocol.EventMsg
}
type StateMsg struct{}
type ConnErrMsg struct {
	Err error
}

// Source feeds the dashboard with broker state. LocalSource reads an
// in-process broker; Client reads a remote one over its admin socket.
type Source interface {
	// Start begins streaming EventMsg and StateMsg values to send.
	Start(send func(tea.Msg)) error
	QueryServer(ctx context.Context) (protocol.ServerInfo, error)
	QueryTopics(ctx context.Context) ([]protocol.TopicInfo, error)
	QueryEvents(ctx context.Context, req protocol.QueryEventsReq) ([]protocol.EventMsg, error)
	Close() error
}

// LocalSource reads a broker running in the same process.
type LocalSource struct {
	b    *broker.Broker
	once sync.Once
	stop func()
}

func NewLocalSource(b *broker.Broker) *LocalSource {
	return &LocalSource{b: b, stop: func() {}}
}

func (l *LocalSource) Start(send func(tea.Msg)) error {
	hub := l.b.Hub()
	ew, events := hub.Watch(broker.TopicEvents)
	sw, states := hub.Watch(broker.TopicState)
	done := make(chan struct{})
	l.stop = func() {
		close(done)
		hub.Unwatch(broker.TopicEvents, ew)
		hub.Unwatch(broker.TopicState, sw)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				if e, ok := msg.(broker.Event); ok {
					send(EventMsg{broker.EventToMsg(e)})
				}
			case _, ok := <-states:
				if !ok {
					return
				}
				send(StateMsg{})
			}
		}
	}()
	return nil
}

func (l *LocalSource) QueryServer(context.Context) (protocol.ServerInfo, error) {
	return l.b.Info(), nil
}

func (l *LocalSource) QueryTopics(context.Context) ([]protocol.TopicInfo, error) {
	return l.b.Topics(), nil
}

func (l *LocalSource) QueryEvents(ctx context.Context, req protocol.QueryEventsReq) ([]protocol.EventMsg, error) {
	return l.b.Events(ctx, req)
}

// Close stops streaming. The broker itself keeps running.
func (l *LocalSource) Close() error {
	l.once.Do(func() { l.stop() })
	return nil
}
