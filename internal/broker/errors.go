package broker

import "errors"

// Connection and subscriber level failures. None of these stop the broker;
// they end one connection or evict one subscriber.
var (
	ErrReadFailure      = errors.New("read failure")
	ErrWriteFailure     = errors.New("write failure")
	ErrTopicAbsent      = errors.New("topic absent")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrTableClosed      = errors.New("topic table closed")
)
