package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/thobiasn/bridge/internal/protocol"
)

const maxAdminConnections = 64

// StateReader answers dashboard queries about a running broker.
type StateReader interface {
	Info() protocol.ServerInfo
	Topics() []protocol.TopicInfo
	Events(ctx context.Context, req protocol.QueryEventsReq) ([]protocol.EventMsg, error)
}

// AdminServer serves the admin protocol over a Unix domain socket.
type AdminServer struct {
	hub      *Hub
	state    StateReader
	listener net.Listener
	path     string
	wg       sync.WaitGroup
	connSem  chan struct{}

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	stopped bool
}

// NewAdminServer creates an AdminServer. Call Start to begin accepting
// connections.
func NewAdminServer(hub *Hub, state StateReader) *AdminServer {
	return &AdminServer{
		hub:     hub,
		state:   state,
		connSem: make(chan struct{}, maxAdminConnections),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket at path, creating its
// directory if needed.
func (as *AdminServer) Start(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	as.listener = ln
	as.path = path
	as.wg.Add(1)
	go as.acceptLoop()
	slog.Info("admin socket started", "path", path)
	return nil
}

// Stop closes the listener and all connections, waits for their handlers,
// and removes the socket file.
func (as *AdminServer) Stop() {
	if as.listener != nil {
		as.listener.Close()
	}
	as.mu.Lock()
	as.stopped = true
	for c := range as.conns {
		c.Close()
	}
	as.mu.Unlock()
	as.wg.Wait()
	if as.path != "" {
		os.Remove(as.path)
	}
	slog.Info("admin socket stopped")
}

func (as *AdminServer) acceptLoop() {
	defer as.wg.Done()
	for {
		conn, err := as.listener.Accept()
		if err != nil {
			if !isClosedErr(err) {
				slog.Error("admin accept error", "error", err)
			}
			return
		}

		select {
		case as.connSem <- struct{}{}:
		default:
			slog.Warn("admin connection limit reached, rejecting")
			conn.Close()
			continue
		}

		as.mu.Lock()
		if as.stopped {
			as.mu.Unlock()
			conn.Close()
			<-as.connSem
			return
		}
		as.conns[conn] = struct{}{}
		as.mu.Unlock()

		as.wg.Add(1)
		go as.handleConn(conn)
	}
}

func (as *AdminServer) handleConn(conn net.Conn) {
	defer as.wg.Done()
	defer conn.Close()
	defer func() { <-as.connSem }()
	defer func() {
		as.mu.Lock()
		delete(as.conns, conn)
		as.mu.Unlock()
	}()

	slog.Debug("admin client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &adminConn{as: as, conn: conn, ctx: ctx}
	defer c.stopStream()
	defer slog.Debug("admin client disconnected")

	for {
		env, err := protocol.ReadMsg(conn)
		if err != nil {
			if !isEOF(err) && !isClosedErr(err) {
				slog.Warn("admin read error", "error", err)
			}
			return
		}
		c.dispatch(env)
	}
}

// adminConn holds per-connection state.
type adminConn struct {
	as      *AdminServer
	conn    net.Conn
	ctx     context.Context // cancelled when the connection closes
	writeMu sync.Mutex

	streamCancel context.CancelFunc
}

func (c *adminConn) writeMsg(env *protocol.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteMsg(c.conn, env); err != nil {
		if !isClosedErr(err) {
			slog.Warn("admin write error", "error", err)
		}
	}
}

func (c *adminConn) sendError(id uint32, msg string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, id, &protocol.ErrorResult{Error: msg})
	if err != nil {
		slog.Error("encode error", "error", err)
		return
	}
	c.writeMsg(env)
}

func (c *adminConn) sendResponse(id uint32, body any) {
	env, err := protocol.NewEnvelope(protocol.TypeResult, id, body)
	if err != nil {
		slog.Error("encode response", "error", err)
		return
	}
	c.writeMsg(env)
}

func (c *adminConn) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSubscribeEvents:
		c.startStream()
	case protocol.TypeUnsubscribe:
		c.stopStream()

	case protocol.TypeQueryServer:
		c.sendResponse(env.ID, c.as.state.Info())
	case protocol.TypeQueryTopics:
		c.sendResponse(env.ID, &protocol.QueryTopicsResp{Topics: c.as.state.Topics()})
	case protocol.TypeQueryEvents:
		c.queryEvents(env)

	default:
		c.sendError(env.ID, fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

// startStream forwards journal events and state notices until stopStream or
// disconnect. A second subscribe is a no-op.
func (c *adminConn) startStream() {
	if c.streamCancel != nil {
		return
	}
	ew, events := c.as.hub.Watch(TopicEvents)
	sw, states := c.as.hub.Watch(TopicState)
	ctx, cancel := context.WithCancel(c.ctx)
	c.streamCancel = func() {
		cancel()
		c.as.hub.Unwatch(TopicEvents, ew)
		c.as.hub.Unwatch(TopicState, sw)
	}

	go func() {
		for {
			var env *protocol.Envelope
			var err error
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				e, ok := msg.(Event)
				if !ok {
					continue
				}
				env, err = protocol.NewEnvelope(protocol.TypeEvent, 0, EventToMsg(e))
			case _, ok := <-states:
				if !ok {
					return
				}
				env, err = protocol.NewEnvelope(protocol.TypeStateChanged, 0, nil)
			}
			if err != nil {
				continue
			}
			c.writeMsg(env)
		}
	}()
}

func (c *adminConn) stopStream() {
	if c.streamCancel == nil {
		return
	}
	c.streamCancel()
	c.streamCancel = nil
}

func (c *adminConn) queryEvents(env *protocol.Envelope) {
	var req protocol.QueryEventsReq
	if env.Body != nil {
		if err := protocol.DecodeBody(env.Body, &req); err != nil {
			c.sendError(env.ID, "invalid query body")
			return
		}
	}
	if req.Start > 0 && req.End > 0 && req.Start > req.End {
		c.sendError(env.ID, "start must be <= end")
		return
	}
	events, err := c.as.state.Events(c.ctx, req)
	if err != nil {
		slog.Error("query events", "error", err)
		c.sendError(env.ID, "query failed")
		return
	}
	c.sendResponse(env.ID, &protocol.QueryEventsResp{Events: events})
}
