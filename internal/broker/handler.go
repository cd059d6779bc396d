package broker

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/thobiasn/bridge/internal/protocol"
)

// handler runs the protocol for one client connection.
type handler struct {
	srv  *Server
	conn net.Conn
	peer netip.AddrPort
	id   string
}

func (h *handler) event(kind, topic, format string, args ...any) {
	h.srv.sink.LogEvent(Event{
		Kind:    kind,
		Conn:    h.id,
		Remote:  h.peer.String(),
		Topic:   topic,
		Message: fmt.Sprintf(format, args...),
	})
}

func (h *handler) reply(p []byte) error {
	return writeReply(h.conn, p, h.srv.cfg.WriteTimeout.Duration)
}

// serve reads one request and executes it. It reports whether the
// connection now belongs to the topic table.
func (h *handler) serve() bool {
	cfg := h.srv.cfg
	if d := cfg.HandshakeTimeout.Duration; d > 0 {
		h.conn.SetReadDeadline(time.Now().Add(d))
	}

	cmd, err := protocol.ReadCommand(h.conn)
	if err != nil {
		if isEOF(err) {
			h.event(protocol.EventError, "", "connection closed before command")
		} else {
			h.event(protocol.EventError, "", "bad command: %v", err)
		}
		h.reply(protocol.ReplyFail)
		closeGracefully(h.conn)
		return false
	}

	topic, err := protocol.ReadTopic(h.conn, cfg.TopicWidth)
	if err != nil {
		h.event(protocol.EventError, "", "%s: %v", cmd, fmt.Errorf("%w: topic: %v", ErrReadFailure, err))
		h.reply(protocol.ReplyFail)
		closeGracefully(h.conn)
		return false
	}
	h.conn.SetReadDeadline(time.Time{})

	switch cmd {
	case protocol.CmdSubscribe:
		return h.subscribe(topic)
	case protocol.CmdUnsubscribe:
		h.unsubscribe(topic)
	case protocol.CmdPublish:
		h.publish(topic)
	default:
		h.reply(protocol.ReplyFail)
	}
	return false
}

func (h *handler) subscribe(topic string) bool {
	table := h.srv.table
	sub := NewSubscriber(h.conn, h.peer)

	// Hold the subscriber lock until OK is out so a concurrent publish
	// cannot heartbeat it first.
	sub.mu.Lock()
	res, err := table.InsertSubscriber(topic, sub)
	if err != nil {
		sub.mu.Unlock()
		h.event(protocol.EventError, topic, "subscribe failed: %v", err)
		h.reply(protocol.ReplyFail)
		return false
	}
	werr := h.reply(protocol.ReplyOK)
	sub.mu.Unlock()

	if werr != nil {
		table.RemoveSubscriber(topic, Exact(sub))
		h.event(protocol.EventError, topic, "subscribe rolled back: %v", werr)
		h.srv.sink.NotifyStateChanged()
		return false
	}
	if res == Duplicate {
		h.event(protocol.EventSubscribe, topic, "already subscribed")
		return true
	}
	h.event(protocol.EventSubscribe, topic, "subscribed")
	h.srv.sink.NotifyStateChanged()
	return true
}

// unsubscribe removes the earliest subscription to topic made from the
// requester's IP address. The request arrives on a new connection, so the
// port cannot identify the subscription: any client on the same host can
// remove it.
func (h *handler) unsubscribe(topic string) {
	removed := h.srv.table.RemoveSubscriber(topic, Matcher{Addr: h.peer.Addr()})
	if err := h.reply(protocol.ReplyOK); err != nil {
		h.event(protocol.EventError, topic, "unsubscribe reply: %v", err)
	}
	if !removed {
		h.event(protocol.EventUnsubscribe, topic, "no subscription to remove")
		return
	}
	h.event(protocol.EventUnsubscribe, topic, "unsubscribed")
	h.srv.sink.NotifyStateChanged()
}

func (h *handler) publish(topic string) {
	cfg := h.srv.cfg
	if h.srv.table.Lookup(topic) == nil {
		h.reply(protocol.ReplyOK)
		h.event(protocol.EventPublish, topic, "dropped publish: %v", ErrTopicAbsent)
		closeGracefully(h.conn)
		return
	}

	h.sweep(topic)

	buf := make([]byte, cfg.BlockSize)
	var chunks, total int
	for {
		if d := cfg.PublishIdleTimeout.Duration; d > 0 {
			h.conn.SetReadDeadline(time.Now().Add(d))
		}
		n, err := h.conn.Read(buf)
		if n > 0 {
			h.fanOut(topic, buf[:n])
			chunks++
			total += n
			if werr := h.reply(protocol.ReplyOK); werr != nil {
				h.event(protocol.EventError, topic, "publisher ack: %v", werr)
				break
			}
		}
		if err != nil {
			if !isEOF(err) {
				h.event(protocol.EventError, topic, "publisher %v", fmt.Errorf("%w: %v", ErrReadFailure, err))
			}
			break
		}
	}

	h.fanOut(topic, protocol.EndOfStream)
	h.event(protocol.EventPublish, topic, "published %d bytes in %d chunks", total, chunks)
}

// sweep heartbeats every current subscriber of topic concurrently and evicts
// the ones that do not answer.
func (h *handler) sweep(topic string) {
	timeout := h.srv.cfg.HeartbeatTimeout.Duration
	var wg sync.WaitGroup
	for _, sub := range h.srv.table.Subscribers(topic) {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.heartbeat(timeout); err != nil {
				h.evict(topic, sub, err)
			}
		}()
	}
	wg.Wait()
}

// fanOut writes payload as one frame to every subscriber of topic, in list
// order, evicting the ones whose write fails.
func (h *handler) fanOut(topic string, payload []byte) {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		h.event(protocol.EventError, topic, "encode frame: %v", err)
		return
	}
	timeout := h.srv.cfg.WriteTimeout.Duration
	for _, sub := range h.srv.table.Subscribers(topic) {
		if err := sub.send(frame, timeout); err != nil {
			h.evict(topic, sub, err)
		}
	}
}

func (h *handler) evict(topic string, sub *Subscriber, cause error) {
	if !h.srv.table.RemoveSubscriber(topic, Exact(sub)) {
		return
	}
	msg := "evicted subscriber"
	switch {
	case errors.Is(cause, ErrHeartbeatTimeout):
		msg = "evicted unresponsive subscriber"
	case isDisconnect(cause):
		msg = "evicted disconnected subscriber"
	}
	h.srv.sink.LogEvent(Event{
		Kind:    protocol.EventEvict,
		Conn:    h.id,
		Remote:  sub.addr.String(),
		Topic:   topic,
		Message: fmt.Sprintf("%s: %v", msg, cause),
	})
	h.srv.sink.NotifyStateChanged()
}
