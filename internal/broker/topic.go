package broker

import (
	"net/netip"
	"time"
)

// Topic is a named channel and its subscribers in subscription order.
type Topic struct {
	name string
	subs []*Subscriber
}

// Name returns the canonical topic name.
func (t *Topic) Name() string { return t.name }

func (t *Topic) indexOf(m Matcher) int {
	for i, s := range t.subs {
		if m.match(s) {
			return i
		}
	}
	return -1
}

func (t *Topic) contains(sub *Subscriber) bool {
	for _, s := range t.subs {
		if s.same(sub) {
			return true
		}
	}
	return false
}

func (t *Topic) removeAt(i int) *Subscriber {
	s := t.subs[i]
	copy(t.subs[i:], t.subs[i+1:])
	t.subs[len(t.subs)-1] = nil
	t.subs = t.subs[:len(t.subs)-1]
	return s
}

// TopicView is a read-only copy of a topic for display.
type TopicView struct {
	Name        string
	Subscribers []SubscriberView
}

// SubscriberView is a read-only copy of a subscriber for display.
type SubscriberView struct {
	Addr  netip.AddrPort
	Since time.Time
}

func (t *Topic) view() TopicView {
	v := TopicView{Name: t.name, Subscribers: make([]SubscriberView, len(t.subs))}
	for i, s := range t.subs {
		v.Subscribers[i] = SubscriberView{Addr: s.addr, Since: s.since}
	}
	return v
}
