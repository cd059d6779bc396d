package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/bridge/internal/protocol"
)

// Client is a Source reading a remote broker over its admin socket.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex // serializes writes
	nextID  atomic.Uint32
	pendMu  sync.Mutex
	pending map[uint32]chan *protocol.Envelope
	send    func(tea.Msg)
	done    chan struct{} // closed when readLoop exits
	started sync.Once
	closed  atomic.Bool // set by Close to suppress spurious ConnErrMsg
}

// Dial connects to the admin socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection. Requests are answered only once
// Start has launched the reader.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		pending: make(map[uint32]chan *protocol.Envelope),
		done:    make(chan struct{}),
	}
}

// Start launches the reader and subscribes to the event stream. Only the
// first call has any effect.
func (c *Client) Start(send func(tea.Msg)) error {
	var err error
	c.started.Do(func() {
		c.send = send
		go c.readLoop()
		err = c.stream(protocol.TypeSubscribeEvents)
	})
	return err
}

// Close closes the connection. The reader exits without sending a
// ConnErrMsg.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		c.pendMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendMu.Unlock()
		if !c.closed.Load() {
			c.send(ConnErrMsg{Err: errors.New("connection to broker lost")})
		}
	}()

	for {
		env, err := protocol.ReadMsg(c.conn)
		if err != nil {
			return
		}
		if env.ID > 0 {
			c.pendMu.Lock()
			ch, ok := c.pending[env.ID]
			c.pendMu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		c.dispatchStreaming(env)
	}
}

func (c *Client) dispatchStreaming(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeEvent:
		var m protocol.EventMsg
		if err := protocol.DecodeBody(env.Body, &m); err != nil {
			slog.Debug("decode event", "error", err)
			return
		}
		c.send(EventMsg{m})
	case protocol.TypeStateChanged:
		c.send(StateMsg{})
	}
}

// Request sends a request and blocks until the response arrives, ctx
// cancels, or the connection dies.
func (c *Client) Request(ctx context.Context, typ protocol.MsgType, body any) (*protocol.Envelope, error) {
	id := c.nextID.Add(1)
	env, err := protocol.NewEnvelope(typ, id, body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan *protocol.Envelope, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	c.mu.Lock()
	err = protocol.WriteMsg(c.conn, env)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		if resp.Type == protocol.TypeError {
			var e protocol.ErrorResult
			if err := protocol.DecodeBody(resp.Body, &e); err == nil {
				return nil, errors.New(e.Error)
			}
			return nil, errors.New("unknown error from broker")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

// stream sends a streaming control message (ID 0).
func (c *Client) stream(typ protocol.MsgType) error {
	env, err := protocol.NewEnvelope(typ, 0, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteMsg(c.conn, env)
}

func (c *Client) QueryServer(ctx context.Context) (protocol.ServerInfo, error) {
	var info protocol.ServerInfo
	resp, err := c.Request(ctx, protocol.TypeQueryServer, nil)
	if err != nil {
		return info, err
	}
	err = protocol.DecodeBody(resp.Body, &info)
	return info, err
}

func (c *Client) QueryTopics(ctx context.Context) ([]protocol.TopicInfo, error) {
	resp, err := c.Request(ctx, protocol.TypeQueryTopics, nil)
	if err != nil {
		return nil, err
	}
	var r protocol.QueryTopicsResp
	if err := protocol.DecodeBody(resp.Body, &r); err != nil {
		return nil, err
	}
	return r.Topics, nil
}

func (c *Client) QueryEvents(ctx context.Context, req protocol.QueryEventsReq) ([]protocol.EventMsg, error) {
	resp, err := c.Request(ctx, protocol.TypeQueryEvents, &req)
	if err != nil {
		return nil, err
	}
	var r protocol.QueryEventsResp
	if err := protocol.DecodeBody(resp.Body, &r); err != nil {
		return nil, err
	}
	return r.Events, nil
}
