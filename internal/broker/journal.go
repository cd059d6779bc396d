package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thobiasn/bridge/internal/protocol"
)

// Event is one entry of the broker's connection log.
type Event struct {
	Time    time.Time
	Kind    string
	Conn    string
	Remote  string
	Topic   string
	Message string
}

// Sink receives broker activity. Implementations must not block.
type Sink interface {
	LogEvent(e Event)
	NotifyStateChanged()
}

const (
	eventBatchSize    = 100
	eventFlushTimeout = 1 * time.Second
)

// Journal is the broker's Sink. It logs events, keeps the most recent ones
// in memory, fans them out through a Hub and persists them when a Store is
// configured.
type Journal struct {
	hub   *Hub
	store *Store

	mu     sync.Mutex
	recent []Event
	limit  int
	closed bool

	pending chan Event
	done    chan struct{}
}

// NewJournal creates a journal keeping the last limit events. store may be
// nil.
func NewJournal(hub *Hub, store *Store, limit int) *Journal {
	if limit < 1 {
		limit = 1
	}
	j := &Journal{hub: hub, store: store, limit: limit}
	if store != nil {
		j.pending = make(chan Event, eventBatchSize*4)
		j.done = make(chan struct{})
		go j.flushLoop()
	}
	return j
}

func (j *Journal) LogEvent(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	logEvent(e)

	j.mu.Lock()
	if len(j.recent) == j.limit {
		copy(j.recent, j.recent[1:])
		j.recent = j.recent[:j.limit-1]
	}
	j.recent = append(j.recent, e)
	if j.pending != nil && !j.closed {
		select {
		case j.pending <- e:
		default:
			slog.Warn("event store backlog full, dropping event", "kind", e.Kind)
		}
	}
	j.mu.Unlock()

	j.hub.Publish(TopicEvents, e)
}

func (j *Journal) NotifyStateChanged() {
	j.hub.Publish(TopicState, StateChanged{})
}

func logEvent(e Event) {
	attrs := []any{"kind", e.Kind}
	if e.Conn != "" {
		attrs = append(attrs, "conn", e.Conn)
	}
	if e.Remote != "" {
		attrs = append(attrs, "remote", e.Remote)
	}
	if e.Topic != "" {
		attrs = append(attrs, "topic", strings.TrimRight(e.Topic, " "))
	}
	switch e.Kind {
	case protocol.EventError, protocol.EventEvict:
		slog.Warn(e.Message, attrs...)
	case protocol.EventConnect:
		slog.Debug(e.Message, attrs...)
	default:
		slog.Info(e.Message, attrs...)
	}
}

// Recent returns up to n of the newest events matching f, oldest first.
// Time bounds in f are unix seconds.
func (j *Journal) Recent(f EventFilter) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := f.Limit
	if n <= 0 {
		n = len(j.recent)
	}
	var out []Event
	for i := len(j.recent) - 1; i >= 0 && len(out) < n; i-- {
		e := j.recent[i]
		if f.Start > 0 && e.Time.Unix() < f.Start {
			continue
		}
		if f.End > 0 && e.Time.Unix() > f.End {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Topic != "" && e.Topic != f.Topic {
			continue
		}
		out = append(out, e)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out
}

func (j *Journal) flushLoop() {
	defer close(j.done)

	var batch []Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := j.store.InsertEvents(ctx, batch); err != nil {
			slog.Error("failed to store events", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	timer := time.NewTimer(eventFlushTimeout)
	defer timer.Stop()

	for {
		select {
		case e, ok := <-j.pending:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= eventBatchSize {
				flush()
				timer.Reset(eventFlushTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(eventFlushTimeout)
		}
	}
}

// Close flushes pending events to the store. Events logged afterwards are
// still logged and fanned out but not persisted.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed || j.pending == nil {
		j.closed = true
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.pending)
	j.mu.Unlock()
	<-j.done
}
