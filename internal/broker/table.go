package broker

import (
	"hash/fnv"
	"sync"
)

// InsertResult reports what InsertSubscriber did.
type InsertResult int

const (
	// Created means the subscriber was appended to the topic.
	Created InsertResult = iota
	// Duplicate means an identical subscriber was already present; the
	// caller keeps ownership of its record.
	Duplicate
)

// Table maps canonical topic names to topics. It is an open-addressing hash
// table with linear probing, guarded by a single mutex. The bucket count is a
// power of two and always exceeds the number of topics.
type Table struct {
	mu      sync.Mutex
	buckets []*Topic
	count   int
	closed  bool
}

// NewTable returns an empty table with room for at least capacity buckets.
func NewTable(capacity int) *Table {
	c := 2
	for c < capacity {
		c <<= 1
	}
	return &Table{buckets: make([]*Topic, c)}
}

func bucketOf(name string, capacity int) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() & uint32(capacity-1))
}

// probe returns the slot holding name, or the empty slot where it would go.
func probe(buckets []*Topic, name string) (int, *Topic) {
	mask := len(buckets) - 1
	i := bucketOf(name, len(buckets))
	for {
		t := buckets[i]
		if t == nil || t.name == name {
			return i, t
		}
		i = (i + 1) & mask
	}
}

// grow doubles the bucket array and rehashes every topic. Caller holds mu.
func (t *Table) grow() {
	next := make([]*Topic, len(t.buckets)*2)
	for _, tp := range t.buckets {
		if tp == nil {
			continue
		}
		i, _ := probe(next, tp.name)
		next[i] = tp
	}
	t.buckets = next
}

// Lookup returns the topic named name, or nil.
func (t *Table) Lookup(name string) *Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	_, tp := probe(t.buckets, name)
	return tp
}

// GetOrCreate returns the topic named name, creating it if absent.
func (t *Table) GetOrCreate(name string) (*Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreate(name)
}

func (t *Table) getOrCreate(name string) (*Topic, error) {
	if t.closed {
		return nil, ErrTableClosed
	}
	i, tp := probe(t.buckets, name)
	if tp != nil {
		return tp, nil
	}
	if t.count+1 >= len(t.buckets) {
		t.grow()
		i, _ = probe(t.buckets, name)
	}
	tp = &Topic{name: name}
	t.buckets[i] = tp
	t.count++
	return tp, nil
}

// InsertSubscriber appends sub to the topic named name, creating the topic
// if needed. On Created the table owns sub.
func (t *Table) InsertSubscriber(name string, sub *Subscriber) (InsertResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, err := t.getOrCreate(name)
	if err != nil {
		return 0, err
	}
	if tp.contains(sub) {
		return Duplicate, nil
	}
	tp.subs = append(tp.subs, sub)
	return Created, nil
}

// RemoveSubscriber unlinks the first subscriber of name selected by m and
// closes its connection. It reports whether anything was removed; a missing
// topic or subscriber is not an error.
func (t *Table) RemoveSubscriber(name string, m Matcher) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	_, tp := probe(t.buckets, name)
	if tp == nil {
		t.mu.Unlock()
		return false
	}
	i := tp.indexOf(m)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	sub := tp.removeAt(i)
	t.mu.Unlock()

	sub.close()
	return true
}

// Subscribers returns a copy of the subscriber list of name, in order.
func (t *Table) Subscribers(name string) []*Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	_, tp := probe(t.buckets, name)
	if tp == nil || len(tp.subs) == 0 {
		return nil
	}
	out := make([]*Subscriber, len(tp.subs))
	copy(out, tp.subs)
	return out
}

// Snapshot returns every topic in bucket order.
func (t *Table) Snapshot() []TopicView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TopicView, 0, t.count)
	for _, tp := range t.buckets {
		if tp != nil {
			out = append(out, tp.view())
		}
	}
	return out
}

// Len returns the number of topics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Cap returns the number of buckets.
func (t *Table) Cap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Teardown closes every subscriber connection and empties the table. Later
// inserts fail with ErrTableClosed.
func (t *Table) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range t.buckets {
		if tp == nil {
			continue
		}
		for _, s := range tp.subs {
			s.close()
		}
		tp.subs = nil
	}
	t.buckets = nil
	t.count = 0
	t.closed = true
}
