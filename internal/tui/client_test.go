package tui

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/bridge/internal/protocol"
)

// msgSink collects messages handed to a Source's send function.
type msgSink struct {
	mu   sync.Mutex
	msgs []tea.Msg
	ch   chan struct{}
}

func newMsgSink() *msgSink { return &msgSink{ch: make(chan struct{}, 64)} }

func (s *msgSink) send(msg tea.Msg) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// waitFor blocks until match accepts a collected message.
func (s *msgSink) waitFor(t *testing.T, match func(tea.Msg) bool) tea.Msg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		for _, m := range s.msgs {
			if match(m) {
				s.mu.Unlock()
				return m
			}
		}
		s.mu.Unlock()
		select {
		case <-s.ch:
		case <-deadline:
			t.Fatal("timed out waiting for message")
			return nil
		}
	}
}

// mockServer answers every envelope read from conn with respFn's reply.
// A nil reply sends nothing.
func mockServer(t *testing.T, conn net.Conn, respFn func(*protocol.Envelope) *protocol.Envelope) {
	t.Helper()
	go func() {
		for {
			env, err := protocol.ReadMsg(conn)
			if err != nil {
				return
			}
			if resp := respFn(env); resp != nil {
				if err := protocol.WriteMsg(conn, resp); err != nil {
					return
				}
			}
		}
	}()
}

func mustEnvelope(t *testing.T, typ protocol.MsgType, id uint32, body any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, id, body)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestClientQueries(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	mockServer(t, serverConn, func(env *protocol.Envelope) *protocol.Envelope {
		switch env.Type {
		case protocol.TypeQueryServer:
			return mustEnvelope(t, protocol.TypeResult, env.ID, &protocol.ServerInfo{Addr: "10.0.0.1", Port: 4000, Listening: true})
		case protocol.TypeQueryTopics:
			return mustEnvelope(t, protocol.TypeResult, env.ID, &protocol.QueryTopicsResp{
				Topics: []protocol.TopicInfo{{Name: "news   "}},
			})
		case protocol.TypeQueryEvents:
			var req protocol.QueryEventsReq
			if err := protocol.DecodeBody(env.Body, &req); err != nil || req.Limit != 5 {
				return mustEnvelope(t, protocol.TypeError, env.ID, &protocol.ErrorResult{Error: "bad request"})
			}
			return mustEnvelope(t, protocol.TypeResult, env.ID, &protocol.QueryEventsResp{
				Events: []protocol.EventMsg{{Kind: protocol.EventServer, Message: "started"}},
			})
		}
		return nil
	})

	c := NewClient(clientConn)
	defer c.Close()
	sink := newMsgSink()
	if err := c.Start(sink.send); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := c.QueryServer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Addr != "10.0.0.1" || info.Port != 4000 || !info.Listening {
		t.Errorf("info = %+v", info)
	}

	topics, err := c.QueryTopics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 1 || topics[0].Name != "news   " {
		t.Errorf("topics = %+v", topics)
	}

	events, err := c.QueryEvents(ctx, protocol.QueryEventsReq{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Message != "started" {
		t.Errorf("events = %+v", events)
	}
}

func TestClientErrorResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	mockServer(t, serverConn, func(env *protocol.Envelope) *protocol.Envelope {
		if env.ID == 0 {
			return nil
		}
		return mustEnvelope(t, protocol.TypeError, env.ID, &protocol.ErrorResult{Error: "no store"})
	})

	c := NewClient(clientConn)
	defer c.Close()
	if err := c.Start(newMsgSink().send); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.QueryEvents(ctx, protocol.QueryEventsReq{})
	if err == nil || err.Error() != "no store" {
		t.Errorf("err = %v, want no store", err)
	}
}

func TestClientStreaming(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	subscribed := make(chan struct{})
	mockServer(t, serverConn, func(env *protocol.Envelope) *protocol.Envelope {
		if env.Type == protocol.TypeSubscribeEvents {
			close(subscribed)
		}
		return nil
	})

	c := NewClient(clientConn)
	defer c.Close()
	sink := newMsgSink()
	if err := c.Start(sink.send); err != nil {
		t.Fatal(err)
	}
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not subscribe to events")
	}

	// The mock reader goroutine owns reads; writes from here are safe.
	if err := protocol.WriteMsg(serverConn, mustEnvelope(t, protocol.TypeEvent, 0,
		&protocol.EventMsg{Kind: protocol.EventPublish, Topic: "news   ", Message: "published 1 chunk"})); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteMsg(serverConn, mustEnvelope(t, protocol.TypeStateChanged, 0, nil)); err != nil {
		t.Fatal(err)
	}

	msg := sink.waitFor(t, func(m tea.Msg) bool { _, ok := m.(EventMsg); return ok })
	if e := msg.(EventMsg); e.Topic != "news   " || e.Kind != protocol.EventPublish {
		t.Errorf("event = %+v", e)
	}
	sink.waitFor(t, func(m tea.Msg) bool { _, ok := m.(StateMsg); return ok })
}

func TestClientConnectionLost(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	mockServer(t, serverConn, func(*protocol.Envelope) *protocol.Envelope { return nil })

	c := NewClient(clientConn)
	defer c.Close()
	sink := newMsgSink()
	if err := c.Start(sink.send); err != nil {
		t.Fatal(err)
	}
	serverConn.Close()

	sink.waitFor(t, func(m tea.Msg) bool { _, ok := m.(ConnErrMsg); return ok })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.QueryServer(ctx); err == nil {
		t.Error("query on a dead connection should fail")
	}
}

func TestClientCloseSuppressesConnErr(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	mockServer(t, serverConn, func(*protocol.Envelope) *protocol.Envelope { return nil })

	c := NewClient(clientConn)
	sink := newMsgSink()
	if err := c.Start(sink.send); err != nil {
		t.Fatal(err)
	}
	c.Close()
	<-c.done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, m := range sink.msgs {
		if _, ok := m.(ConnErrMsg); ok {
			t.Error("Close should not produce ConnErrMsg")
		}
	}
}
