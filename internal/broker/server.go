package broker

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/thobiasn/bridge/internal/protocol"
)

// Server accepts broker connections and runs one handler goroutine per
// connection.
type Server struct {
	cfg   *BrokerConfig
	table *Table
	sink  Sink

	listener net.Listener
	addr     netip.AddrPort
	wg       sync.WaitGroup
	connSem  chan struct{} // nil when unlimited

	mu      sync.Mutex
	active  map[net.Conn]struct{}
	stopped bool

	done      chan struct{}
	acceptErr error
}

// NewServer creates a Server. Call Start to begin accepting connections.
func NewServer(cfg *BrokerConfig, table *Table, sink Sink) *Server {
	s := &Server{
		cfg:    cfg,
		table:  table,
		sink:   sink,
		active: make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Start listens on addr and reports the resolved address to the sink.
func (s *Server) Start(addr string) error {
	ln, err := listenTCP(addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = advertisedAddr(addrPortOf(ln.Addr()))

	s.sink.LogEvent(Event{
		Kind:    protocol.EventServer,
		Remote:  s.addr.String(),
		Message: fmt.Sprintf("listening on %s", s.addr),
	})
	s.sink.NotifyStateChanged()

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the advertised listen address.
func (s *Server) Addr() netip.AddrPort { return s.addr }

// Done is closed when the accept loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err returns the accept error that stopped the loop, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptErr
}

// Listening reports whether the accept loop is running.
func (s *Server) Listening() bool {
	select {
	case <-s.done:
		return false
	default:
		return s.listener != nil
	}
}

// Stop closes the listener and every connection still being handled, then
// waits for the handlers to return. Subscriber connections belong to the
// table and are left alone.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	s.stopped = true
	for c := range s.active {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("broker listener stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return
			}
			s.mu.Lock()
			s.acceptErr = err
			s.mu.Unlock()
			s.sink.LogEvent(Event{
				Kind:    protocol.EventError,
				Remote:  s.addr.String(),
				Message: fmt.Sprintf("accept failed, no longer listening: %v", err),
			})
			s.sink.NotifyStateChanged()
			return
		}

		peer := peerAddr(conn)
		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				s.sink.LogEvent(Event{
					Kind:    protocol.EventError,
					Remote:  peer.String(),
					Message: "connection limit reached, rejecting",
				})
				writeReply(conn, protocol.ReplyFail, s.cfg.WriteTimeout.Duration)
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			s.Serve(conn, peer)
		}()
	}
}

// Serve runs the protocol on conn until the request completes. conn is
// closed on return unless it became a subscriber, in which case the table
// owns it.
func (s *Server) Serve(conn net.Conn, peer netip.AddrPort) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	h := &handler{srv: s, conn: conn, peer: peer, id: newConnID()}
	h.event(protocol.EventConnect, "", "connection accepted")

	kept := h.serve()
	s.untrack(conn)
	if !kept {
		conn.Close()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.active[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func newConnID() string {
	return uuid.NewString()[:8]
}
