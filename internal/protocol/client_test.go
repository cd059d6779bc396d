package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeBroker accepts one connection and runs script against it.
func fakeBroker(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		script(conn)
	}()
	return ln.Addr().String()
}

func TestSubscriptionAnswersHeartbeat(t *testing.T) {
	echoed := make(chan byte, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		req := make([]byte, 1+DefaultTopicWidth)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		conn.Write(ReplyOK)
		conn.Write([]byte{Heartbeat})
		var b [1]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return
		}
		echoed <- b[0]
		WriteFrame(conn, []byte("hi"))
		WriteFrame(conn, EndOfStream)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := Subscribe(ctx, addr, "news", DefaultTopicWidth)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	got, err := sub.Next()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Errorf("payload = %q, want hi", got)
	}
	if b := <-echoed; b != Heartbeat {
		t.Errorf("echo = %q, want %q", b, Heartbeat)
	}
	if _, err := sub.Next(); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("err = %v, want ErrEndOfStream", err)
	}
	// A closed connection is not an end of stream.
	if _, err := sub.Next(); err == nil || errors.Is(err, ErrEndOfStream) {
		t.Errorf("err after close = %v, want a read error", err)
	}
}

func TestSubscribeRejected(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		io.ReadFull(conn, make([]byte, 1+DefaultTopicWidth))
		conn.Write(ReplyFail)
	})

	_, err := Subscribe(context.Background(), addr, "news", DefaultTopicWidth)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestPublishCountsAcks(t *testing.T) {
	received := make(chan string, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		req := make([]byte, 1+DefaultTopicWidth)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		var body bytes.Buffer
		buf := make([]byte, 4)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				body.Write(buf[:n])
				conn.Write(ReplyOK)
			}
			if err != nil {
				break
			}
		}
		received <- string(req) + "|" + body.String()
	})

	n, err := Publish(context.Background(), addr, "news", DefaultTopicWidth, strings.NewReader("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n < 3 {
		t.Errorf("acks = %d, want at least 3 for 11 bytes in 4-byte reads", n)
	}
	if got := <-received; got != "Pnews   |hello world" {
		t.Errorf("broker saw %q", got)
	}
}

func TestUnsubscribeSendsRequest(t *testing.T) {
	seen := make(chan string, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		req := make([]byte, 1+DefaultTopicWidth)
		io.ReadFull(conn, req)
		seen <- string(req)
		conn.Write(ReplyOK)
	})

	if err := Unsubscribe(context.Background(), addr, "ab", DefaultTopicWidth); err != nil {
		t.Fatal(err)
	}
	if got := <-seen; got != "Uab     " {
		t.Errorf("request = %q, want %q", got, "Uab     ")
	}
}
