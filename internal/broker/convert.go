package broker

import "github.com/thobiasn/bridge/internal/protocol"

// EventToMsg converts a journal event to its wire form.
func EventToMsg(e Event) protocol.EventMsg {
	return protocol.EventMsg{
		Timestamp: e.Time.Unix(),
		Kind:      e.Kind,
		Conn:      e.Conn,
		Remote:    e.Remote,
		Topic:     e.Topic,
		Message:   e.Message,
	}
}

func eventsToMsgs(events []Event) []protocol.EventMsg {
	out := make([]protocol.EventMsg, len(events))
	for i, e := range events {
		out[i] = EventToMsg(e)
	}
	return out
}

func topicToInfo(v TopicView) protocol.TopicInfo {
	info := protocol.TopicInfo{
		Name:        v.Name,
		Subscribers: make([]protocol.SubscriberInfo, len(v.Subscribers)),
	}
	for i, s := range v.Subscribers {
		info.Subscribers[i] = protocol.SubscriberInfo{
			Addr:  s.Addr.Addr().String(),
			Port:  int(s.Addr.Port()),
			Since: s.Since.Unix(),
		}
	}
	return info
}

func filterFromReq(req protocol.QueryEventsReq, width int) EventFilter {
	f := EventFilter{
		Start: req.Start,
		End:   req.End,
		Kind:  req.Kind,
		Limit: req.Limit,
	}
	if req.Topic != "" {
		f.Topic = protocol.CanonicalString(req.Topic, width)
	}
	return f
}
