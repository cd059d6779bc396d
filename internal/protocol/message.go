package protocol

import "github.com/vmihailenco/msgpack/v5"

// MsgType identifies the type of an admin protocol message.
type MsgType string

const (
	// Streaming: client subscribes, broker pushes.
	TypeSubscribeEvents MsgType = "subscribe:events"
	TypeUnsubscribe     MsgType = "unsubscribe"
	TypeEvent           MsgType = "event"
	TypeStateChanged    MsgType = "state:changed"

	// Request-response.
	TypeQueryServer MsgType = "query:server"
	TypeQueryTopics MsgType = "query:topics"
	TypeQueryEvents MsgType = "query:events"
	TypeResult      MsgType = "result"
	TypeError       MsgType = "error"
)

// Envelope is the top-level admin message. Body is decoded in a second pass
// based on the Type field.
type Envelope struct {
	Type MsgType            `msgpack:"type"`
	ID   uint32             `msgpack:"id"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// Event kinds.
const (
	EventServer      = "server"
	EventConnect     = "connect"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventPublish     = "publish"
	EventEvict       = "evict"
	EventError       = "error"
)

// EventMsg is one line of the broker's connection log.
type EventMsg struct {
	Timestamp int64  `msgpack:"timestamp"`
	Kind      string `msgpack:"kind"`
	Conn      string `msgpack:"conn,omitempty"`
	Remote    string `msgpack:"remote,omitempty"`
	Topic     string `msgpack:"topic,omitempty"`
	Message   string `msgpack:"message"`
}

// ServerInfo is the response for TypeQueryServer.
type ServerInfo struct {
	Addr      string `msgpack:"addr"`
	Port      int    `msgpack:"port"`
	WebSocket string `msgpack:"websocket,omitempty"`
	StartedAt int64  `msgpack:"started_at"`
	Topics    int    `msgpack:"topics"`
	Capacity  int    `msgpack:"capacity"`
	Listening bool   `msgpack:"listening"`
}

// SubscriberInfo describes one subscriber of a topic.
type SubscriberInfo struct {
	Addr  string `msgpack:"addr"`
	Port  int    `msgpack:"port"`
	Since int64  `msgpack:"since"`
}

// TopicInfo describes a topic and its subscribers in list order.
type TopicInfo struct {
	Name        string           `msgpack:"name"`
	Subscribers []SubscriberInfo `msgpack:"subscribers"`
}

// QueryTopicsResp is the response for TypeQueryTopics.
type QueryTopicsResp struct {
	Topics []TopicInfo `msgpack:"topics"`
}

// QueryEventsReq is the body for TypeQueryEvents. Zero Start/End means
// unbounded.
type QueryEventsReq struct {
	Start int64  `msgpack:"start,omitempty"`
	End   int64  `msgpack:"end,omitempty"`
	Kind  string `msgpack:"kind,omitempty"`
	Topic string `msgpack:"topic,omitempty"`
	Limit int    `msgpack:"limit,omitempty"`
}

// QueryEventsResp is the response for TypeQueryEvents, oldest first.
type QueryEventsResp struct {
	Events []EventMsg `msgpack:"events"`
}

// Result is the generic success response.
type Result struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// ErrorResult is the generic error response.
type ErrorResult struct {
	Error string `msgpack:"error"`
}
