package broker

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/thobiasn/bridge/internal/protocol"
)

// Subscriber is one subscribed connection. Once inserted into a Table the
// table owns it and closes its connection on removal.
type Subscriber struct {
	conn  net.Conn
	addr  netip.AddrPort
	since time.Time

	// mu serialises heartbeat exchanges and frame writes on conn.
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewSubscriber wraps conn, whose peer is addr.
func NewSubscriber(conn net.Conn, addr netip.AddrPort) *Subscriber {
	return &Subscriber{conn: conn, addr: addr, since: time.Now()}
}

// Addr returns the subscriber's origin address.
func (s *Subscriber) Addr() netip.AddrPort { return s.addr }

// Since returns when the subscription was made.
func (s *Subscriber) Since() time.Time { return s.since }

// Conn returns the connection frames are written to.
func (s *Subscriber) Conn() net.Conn { return s.conn }

func (s *Subscriber) same(o *Subscriber) bool {
	return s.addr == o.addr && s.conn == o.conn
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { s.conn.Close() })
}

// send writes one encoded frame. A zero timeout means no deadline.
func (s *Subscriber) send(frame []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	return nil
}

// heartbeat sends the heartbeat byte and waits up to timeout for the echo.
func (s *Subscriber) heartbeat(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write([]byte{protocol.Heartbeat}); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	var b [1]byte
	if _, err := io.ReadFull(s.conn, b[:]); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w after %s", ErrHeartbeatTimeout, timeout)
		}
		return fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	if b[0] != protocol.Heartbeat {
		return fmt.Errorf("%w: unexpected heartbeat reply 0x%02x", ErrReadFailure, b[0])
	}
	return nil
}

// Matcher selects subscribers for removal. Zero fields match anything.
type Matcher struct {
	Addr netip.Addr
	Port uint16
	Conn net.Conn
}

// Exact returns a Matcher for exactly s.
func Exact(s *Subscriber) Matcher {
	return Matcher{Addr: s.addr.Addr(), Port: s.addr.Port(), Conn: s.conn}
}

func (m Matcher) match(s *Subscriber) bool {
	if m.Addr.IsValid() && m.Addr.Unmap() != s.addr.Addr().Unmap() {
		return false
	}
	if m.Port != 0 && m.Port != s.addr.Port() {
		return false
	}
	if m.Conn != nil && m.Conn != s.conn {
		return false
	}
	return true
}
