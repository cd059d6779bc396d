package broker

import "sync"

// Hub topics.
const (
	TopicEvents = "events"
	TopicState  = "state"
)

// StateChanged is published on TopicState whenever the topic table changes.
type StateChanged struct{}

// Buffer sizes per hub topic. A watcher needs at most one pending state
// notice since every notice means "re-read the table".
var watcherBufSize = map[string]int{
	TopicEvents: 64,
	TopicState:  1,
}

// Hub is an in-process fan-out of journal events to dashboards and admin
// connections.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	ch chan any
}

func NewHub() *Hub {
	return &Hub{
		watchers: map[string]map[*watcher]struct{}{
			TopicEvents: {},
			TopicState:  {},
		},
	}
}

// Watch returns a buffered channel receiving messages published on topic.
// The returned *watcher is passed to Unwatch later.
func (h *Hub) Watch(topic string) (*watcher, <-chan any) {
	size, ok := watcherBufSize[topic]
	if !ok {
		size = 64
	}
	w := &watcher{ch: make(chan any, size)}
	h.mu.Lock()
	if h.watchers[topic] == nil {
		h.watchers[topic] = make(map[*watcher]struct{})
	}
	h.watchers[topic][w] = struct{}{}
	h.mu.Unlock()
	return w, w.ch
}

// Unwatch removes w from topic and closes its channel.
func (h *Hub) Unwatch(topic string, w *watcher) {
	h.mu.Lock()
	if ws, ok := h.watchers[topic]; ok {
		if _, exists := ws[w]; exists {
			delete(ws, w)
			close(w.ch)
		}
	}
	h.mu.Unlock()
}

// Publish sends msg to every watcher of topic without blocking. A watcher
// whose buffer is full misses the message.
func (h *Hub) Publish(topic string, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for w := range h.watchers[topic] {
		select {
		case w.ch <- msg:
		default:
		}
	}
}

// Watchers returns the number of watchers of topic.
func (h *Hub) Watchers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[topic])
}
