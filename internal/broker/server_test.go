package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thobiasn/bridge/internal/protocol"
)

type recordSink struct {
	mu      sync.Mutex
	events  []Event
	changes int
}

func (r *recordSink) LogEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordSink) NotifyStateChanged() {
	r.mu.Lock()
	r.changes++
	r.mu.Unlock()
}

func (r *recordSink) byKind(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func testServer(t *testing.T, mutate func(*BrokerConfig)) (*Server, *Table, *recordSink, string) {
	t.Helper()
	cfg := DefaultConfig().Broker
	cfg.Listen = "127.0.0.1:0"
	cfg.HeartbeatTimeout.Duration = 500 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	tbl := NewTable(cfg.InitialCapacity)
	sink := &recordSink{}
	srv := NewServer(&cfg, tbl, sink)
	if err := srv.Start(cfg.Listen); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		srv.Stop()
		tbl.Teardown()
	})
	return srv, tbl, sink, srv.listener.Addr().String()
}

func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if _, err := conn.Read(b[:]); !errors.Is(err, io.EOF) {
		t.Fatalf("read = %v, want EOF", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func subscribeRaw(t *testing.T, addr, topic string) net.Conn {
	t.Helper()
	conn := dialRaw(t, addr)
	if _, err := conn.Write([]byte("S" + topic)); err != nil {
		t.Fatal(err)
	}
	if got := readN(t, conn, 2); string(got) != "OK" {
		t.Fatalf("subscribe reply = %q, want OK", got)
	}
	return conn
}

func TestServerReportsAddress(t *testing.T) {
	srv, _, sink, _ := testServer(t, nil)
	events := sink.byKind(protocol.EventServer)
	if len(events) != 1 {
		t.Fatalf("server events = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].Message, srv.Addr().String()) {
		t.Errorf("server event %q does not mention %s", events[0].Message, srv.Addr())
	}
	if !srv.Listening() {
		t.Error("Listening = false after Start")
	}
}

func TestSubscribePublishFrames(t *testing.T) {
	_, tbl, _, addr := testServer(t, nil)
	sub := subscribeRaw(t, addr, "news   ")
	waitFor(t, "subscriber", func() bool { return len(tbl.Subscribers("news   ")) == 1 })

	pub := dialRaw(t, addr)
	if _, err := pub.Write([]byte("Pnews   hello")); err != nil {
		t.Fatal(err)
	}

	if got := readN(t, sub, 1); got[0] != protocol.Heartbeat {
		t.Fatalf("first byte = %q, want heartbeat", got)
	}
	sub.Write([]byte{protocol.Heartbeat})

	if got := readN(t, pub, 2); string(got) != "OK" {
		t.Fatalf("publisher ack = %q, want OK", got)
	}
	want := append([]byte{0x00, 0x05}, "hello"...)
	if got := readN(t, sub, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("frame = %q, want %q", got, want)
	}

	pub.(*net.TCPConn).CloseWrite()
	eos, _ := protocol.EncodeFrame(protocol.EndOfStream)
	if got := readN(t, sub, len(eos)); !bytes.Equal(got, eos) {
		t.Fatalf("end-of-stream frame = %q, want %q", got, eos)
	}
	expectEOF(t, pub)

	// The subscriber stays subscribed for the next session.
	if n := len(tbl.Subscribers("news   ")); n != 1 {
		t.Fatalf("subscribers after publish = %d, want 1", n)
	}
}

func TestPublishWithClientHelpers(t *testing.T) {
	_, _, _, addr := testServer(t, func(c *BrokerConfig) { c.BlockSize = 4 })
	ctx := context.Background()

	sub, err := protocol.Subscribe(ctx, addr, "chat", protocol.DefaultTopicWidth)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	received := make(chan []byte, 1)
	go func() {
		var got []byte
		for {
			p, err := sub.Next()
			if err != nil {
				received <- got
				return
			}
			if len(p) > 4 {
				t.Errorf("frame of %d bytes exceeds block size", len(p))
			}
			got = append(got, p...)
		}
	}()

	acks, err := protocol.Publish(ctx, addr, "chat", protocol.DefaultTopicWidth, strings.NewReader("abcdefghij"))
	if err != nil {
		t.Fatal(err)
	}
	if acks < 3 {
		t.Errorf("acks = %d, want at least 3", acks)
	}

	select {
	case got := <-received:
		if string(got) != "abcdefghij" {
			t.Fatalf("received %q, want abcdefghij", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for end of stream")
	}
}

func TestAbruptSubscriberCloseEvicted(t *testing.T) {
	_, tbl, sink, addr := testServer(t, nil)
	live := subscribeRaw(t, addr, "news   ")
	dead := subscribeRaw(t, addr, "news   ")
	waitFor(t, "subscribers", func() bool { return len(tbl.Subscribers("news   ")) == 2 })
	dead.Close()

	go func() {
		var b [1]byte
		live.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := io.ReadFull(live, b[:]); err == nil {
			live.Write(b[:])
		}
	}()

	pub := dialRaw(t, addr)
	pub.Write([]byte("Pnews   "))
	pub.(*net.TCPConn).CloseWrite()
	expectEOF(t, pub)

	subs := tbl.Subscribers("news   ")
	if len(subs) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(subs))
	}
	if subs[0].Addr() != addrPortOf(live.LocalAddr()) {
		t.Errorf("wrong subscriber kept: %s", subs[0].Addr())
	}
	if len(sink.byKind(protocol.EventEvict)) != 1 {
		t.Errorf("evict events = %d, want 1", len(sink.byKind(protocol.EventEvict)))
	}
}

func TestHeartbeatTimeoutEvicts(t *testing.T) {
	_, tbl, sink, addr := testServer(t, func(c *BrokerConfig) {
		c.HeartbeatTimeout.Duration = 100 * time.Millisecond
	})
	silent := subscribeRaw(t, addr, "news   ")
	waitFor(t, "subscriber", func() bool { return len(tbl.Subscribers("news   ")) == 1 })

	pub := dialRaw(t, addr)
	pub.Write([]byte("Pnews   "))
	pub.(*net.TCPConn).CloseWrite()
	expectEOF(t, pub)

	if n := len(tbl.Subscribers("news   ")); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
	evicts := sink.byKind(protocol.EventEvict)
	if len(evicts) != 1 || !strings.Contains(evicts[0].Message, "unresponsive") {
		t.Fatalf("evict events = %+v", evicts)
	}
	// Eviction closes the connection after the unanswered heartbeat.
	if got := readN(t, silent, 1); got[0] != protocol.Heartbeat {
		t.Fatalf("read %q, want heartbeat", got)
	}
	expectEOF(t, silent)
}

func TestUnsubscribeRemovesFirstFromHost(t *testing.T) {
	_, tbl, _, addr := testServer(t, nil)
	first := subscribeRaw(t, addr, "news   ")
	second := subscribeRaw(t, addr, "news   ")
	waitFor(t, "subscribers", func() bool { return len(tbl.Subscribers("news   ")) == 2 })

	err := protocol.Unsubscribe(context.Background(), addr, "news", protocol.DefaultTopicWidth)
	if err != nil {
		t.Fatal(err)
	}

	subs := tbl.Subscribers("news   ")
	if len(subs) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(subs))
	}
	if subs[0].Addr() != addrPortOf(second.LocalAddr()) {
		t.Errorf("kept %s, want %s", subs[0].Addr(), second.LocalAddr())
	}

	// Only the remaining subscriber gets the next publish.
	published := make(chan error, 1)
	go func() {
		_, err := protocol.Publish(context.Background(), addr, "news", protocol.DefaultTopicWidth, strings.NewReader("hi"))
		published <- err
	}()
	if got := readN(t, second, 1); got[0] != protocol.Heartbeat {
		t.Fatalf("read %q, want heartbeat", got)
	}
	second.Write([]byte{protocol.Heartbeat})
	if got := readN(t, second, 4); !bytes.Equal(got, []byte("\x00\x02hi")) {
		t.Fatalf("frame = %q, want hi", got)
	}
	eos, _ := protocol.EncodeFrame(protocol.EndOfStream)
	if got := readN(t, second, len(eos)); !bytes.Equal(got, eos) {
		t.Fatalf("frame = %q, want end of stream", got)
	}
	if err := <-published; err != nil {
		t.Fatal(err)
	}
	expectEOF(t, first)

	// A second unsubscribe removes the remaining one; a third is a no-op.
	for i := 0; i < 2; i++ {
		if err := protocol.Unsubscribe(context.Background(), addr, "news", protocol.DefaultTopicWidth); err != nil {
			t.Fatalf("unsubscribe %d: %v", i, err)
		}
	}
	if n := len(tbl.Subscribers("news   ")); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

// failWriteConn accepts reads but fails every write.
type failWriteConn struct {
	net.Conn
}

func (failWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("write refused")
}

func TestSubscribeRollsBackWhenReplyFails(t *testing.T) {
	srv, tbl, sink, _ := testServer(t, nil)
	client, server := net.Pipe()
	defer client.Close()
	go client.Write([]byte("Snews   "))

	srv.Serve(failWriteConn{server}, netip.MustParseAddrPort("10.0.0.9:5000"))

	if n := len(tbl.Subscribers("news   ")); n != 0 {
		t.Fatalf("subscribers = %d, want 0 after failed reply", n)
	}
	var rolledBack bool
	for _, e := range sink.byKind(protocol.EventError) {
		if strings.Contains(e.Message, "rolled back") {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Error("no rollback event")
	}
	if len(sink.byKind(protocol.EventSubscribe)) != 0 {
		t.Error("failed subscribe reported as subscribed")
	}
}

func TestPublishToAbsentTopic(t *testing.T) {
	_, tbl, _, addr := testServer(t, nil)
	pub := dialRaw(t, addr)
	pub.Write([]byte("Pnobody data"))
	if got := readN(t, pub, 2); string(got) != "OK" {
		t.Fatalf("reply = %q, want OK", got)
	}
	expectEOF(t, pub)
	if tbl.Lookup("nobody ") != nil {
		t.Fatal("publish created a topic")
	}
}

func TestPublishToAbsentTopicDrainsPayload(t *testing.T) {
	_, _, _, addr := testServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// More than the socket buffers hold, so the broker must keep reading
	// after its reply for the publisher to finish cleanly.
	payload := strings.NewReader(strings.Repeat("x", 1<<20))
	acks, err := protocol.Publish(ctx, addr, "nobody", protocol.DefaultTopicWidth, payload)
	if err != nil {
		t.Fatalf("publish to absent topic: %v", err)
	}
	if acks != 1 {
		t.Errorf("acks = %d, want 1", acks)
	}
}

func TestPublishToEmptyTopic(t *testing.T) {
	_, tbl, _, addr := testServer(t, nil)
	tbl.GetOrCreate("quiet  ")
	pub := dialRaw(t, addr)
	pub.Write([]byte("Pquiet  data"))
	if got := readN(t, pub, 2); string(got) != "OK" {
		t.Fatalf("reply = %q, want OK", got)
	}
	pub.(*net.TCPConn).CloseWrite()
	expectEOF(t, pub)
}

func TestUnknownCommand(t *testing.T) {
	_, _, sink, addr := testServer(t, nil)
	conn := dialRaw(t, addr)
	// Bytes after the command stay unread by the protocol; the close must
	// still be clean.
	conn.Write([]byte("Xnews   trailing payload"))
	if got := readN(t, conn, 4); string(got) != "FAIL" {
		t.Fatalf("reply = %q, want FAIL", got)
	}
	expectEOF(t, conn)
	if len(sink.byKind(protocol.EventError)) == 0 {
		t.Error("no error event for unknown command")
	}
}

func TestShortTopicFails(t *testing.T) {
	_, _, _, addr := testServer(t, nil)
	conn := dialRaw(t, addr)
	conn.Write([]byte("Sab"))
	conn.(*net.TCPConn).CloseWrite()
	if got := readN(t, conn, 4); string(got) != "FAIL" {
		t.Fatalf("reply = %q, want FAIL", got)
	}
}

func TestSubscribeSanitisesTopic(t *testing.T) {
	_, tbl, _, addr := testServer(t, nil)
	subscribeRaw(t, addr, "a\x01b-c!!")
	waitFor(t, "topic", func() bool { return tbl.Lookup("abc    ") != nil })
}

func TestConnectionLimit(t *testing.T) {
	_, _, sink, addr := testServer(t, func(c *BrokerConfig) { c.MaxConnections = 1 })
	dialRaw(t, addr)
	waitFor(t, "first connection", func() bool { return len(sink.byKind(protocol.EventConnect)) == 1 })

	second := dialRaw(t, addr)
	if got := readN(t, second, 4); string(got) != "FAIL" {
		t.Fatalf("reply = %q, want FAIL", got)
	}
	expectEOF(t, second)
}

func TestStopClosesPendingHandlers(t *testing.T) {
	srv, _, _, addr := testServer(t, nil)
	conn := dialRaw(t, addr)
	conn.Write([]byte("Pnews"))

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if srv.Listening() {
		t.Error("Listening = true after Stop")
	}
}
