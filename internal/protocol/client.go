package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

var (
	// ErrRejected is returned when the broker answers FAIL.
	ErrRejected = errors.New("broker replied FAIL")
	// ErrEndOfStream is returned by Subscription.Next when a publish
	// session ends.
	ErrEndOfStream = errors.New("end of stream")
)

// WriteRequest sends a command followed by the canonical topic.
func WriteRequest(w io.Writer, cmd Command, topic string, width int) error {
	buf := make([]byte, 0, 1+width)
	buf = append(buf, byte(cmd))
	buf = append(buf, CanonicalString(topic, width)...)
	_, err := w.Write(buf)
	return err
}

// ReadReply reads one status reply. It returns nil for OK and ErrRejected
// for FAIL.
func ReadReply(r io.Reader) error {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	if bytes.Equal(head[:], ReplyOK) {
		return nil
	}
	if !bytes.Equal(head[:], ReplyFail[:2]) {
		return fmt.Errorf("unexpected reply %q", head[:])
	}
	var tail [2]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return err
	}
	if !bytes.Equal(tail[:], ReplyFail[2:]) {
		return fmt.Errorf("unexpected reply %q", append(head[:], tail[:]...))
	}
	return ErrRejected
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Subscription is a live subscriber connection.
type Subscription struct {
	conn net.Conn
	mu   sync.Mutex
}

// Subscribe dials addr and subscribes to topic.
func Subscribe(ctx context.Context, addr, topic string, width int) (*Subscription, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := WriteRequest(conn, CmdSubscribe, topic, width); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}
	if err := ReadReply(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &Subscription{conn: conn}, nil
}

// Conn returns the underlying connection.
func (s *Subscription) Conn() net.Conn { return s.conn }

// Next returns the payload of the next frame, answering heartbeats on the
// way. It returns ErrEndOfStream once an end-of-stream frame arrives; the
// subscription stays usable for the next publish session.
func (s *Subscription) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		var first [1]byte
		if _, err := io.ReadFull(s.conn, first[:]); err != nil {
			return nil, err
		}
		// Frames are at most MaxBlockSize long, so their first byte is
		// never the heartbeat byte.
		if first[0] == Heartbeat {
			if _, err := s.conn.Write([]byte{Heartbeat}); err != nil {
				return nil, fmt.Errorf("echo heartbeat: %w", err)
			}
			continue
		}
		var second [1]byte
		if _, err := io.ReadFull(s.conn, second[:]); err != nil {
			return nil, err
		}
		payload := make([]byte, binary.BigEndian.Uint16([]byte{first[0], second[0]}))
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return nil, err
		}
		if IsEndOfStream(payload) {
			return nil, ErrEndOfStream
		}
		return payload, nil
	}
}

// Close closes the subscriber connection.
func (s *Subscription) Close() error {
	return s.conn.Close()
}

// Unsubscribe dials addr and removes this host's subscription to topic.
func Unsubscribe(ctx context.Context, addr, topic string, width int) error {
	conn, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := WriteRequest(conn, CmdUnsubscribe, topic, width); err != nil {
		return fmt.Errorf("write unsubscribe: %w", err)
	}
	return ReadReply(conn)
}

// Publish dials addr and streams r to topic. It returns the number of chunk
// acknowledgements received from the broker.
func Publish(ctx context.Context, addr, topic string, width int, r io.Reader) (int, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := WriteRequest(conn, CmdPublish, topic, width); err != nil {
		return 0, fmt.Errorf("write publish: %w", err)
	}

	acks := make(chan int, 1)
	go func() {
		n := 0
		for ReadReply(conn) == nil {
			n++
		}
		acks <- n
	}()

	if _, err := io.Copy(conn, r); err != nil {
		return 0, fmt.Errorf("stream payload: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return 0, fmt.Errorf("close write: %w", err)
		}
	}

	select {
	case n := <-acks:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
