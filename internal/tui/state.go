package tui

import (
	"sort"

	"github.com/thobiasn/bridge/internal/protocol"
)

// eventBufSize is the number of log lines kept by the dashboard.
const eventBufSize = 500

// RingBuffer is a fixed-size circular buffer. When full, new pushes
// overwrite the oldest entry.
type RingBuffer[T any] struct {
	buf   []T
	size  int
	head  int // next write position
	count int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	return &RingBuffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push adds a value, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Data returns all stored values oldest first.
func (r *RingBuffer[T]) Data() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	start := (r.head - r.count + r.size) % r.size
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%r.size]
	}
	return out
}

// Tail returns up to n of the newest values, oldest first.
func (r *RingBuffer[T]) Tail(n int) []T {
	data := r.Data()
	if n < len(data) {
		data = data[len(data)-n:]
	}
	return data
}

func (r *RingBuffer[T]) Len() int { return r.count }

// topicState is what the dashboard knows about the topic table.
type topicState struct {
	info   protocol.ServerInfo
	topics []protocol.TopicInfo
}

// subscriberTotal counts subscribers across all topics.
func (s *topicState) subscriberTotal() int {
	n := 0
	for _, t := range s.topics {
		n += len(t.Subscribers)
	}
	return n
}

// indexOf returns the position of the topic named name, or -1.
func (s *topicState) indexOf(name string) int {
	for i, t := range s.topics {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func sortTopics(topics []protocol.TopicInfo) {
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
}
