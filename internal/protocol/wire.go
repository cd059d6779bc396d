package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command is the first byte a client sends on a broker connection.
type Command byte

// Broker commands. CmdUndefined never appears on the wire; it stands for an
// unrecognised byte or a failed read.
const (
	CmdUndefined   Command = 0
	CmdSubscribe   Command = 'S'
	CmdUnsubscribe Command = 'U'
	CmdPublish     Command = 'P'
)

func (c Command) String() string {
	switch c {
	case CmdSubscribe:
		return "subscribe"
	case CmdUnsubscribe:
		return "unsubscribe"
	case CmdPublish:
		return "publish"
	default:
		return "undefined"
	}
}

// Status replies sent by the broker.
var (
	ReplyOK   = []byte("OK")
	ReplyFail = []byte("FAIL")
)

// Heartbeat is the single byte the broker sends before a publish; a live
// subscriber echoes it back unchanged.
const Heartbeat byte = 'H'

// EndOfStream is the payload of the frame that closes a publish session.
var EndOfStream = []byte("\x00EOF")

// DefaultTopicWidth is the canonical topic name length in bytes.
const DefaultTopicWidth = 7

// MaxFrameSize is the largest payload a fan-out frame can carry.
const MaxFrameSize = 0xFFFF

// MaxBlockSize caps the publish chunk size. Keeping frame lengths below
// 0x4800 means a frame header never starts with the heartbeat byte, so a
// subscriber can tell the two apart at a frame boundary.
const MaxBlockSize = 0x4000

// ErrUnknownCommand is returned when the first byte is not a known command.
var ErrUnknownCommand = errors.New("unknown command")

// ReadCommand reads exactly one command byte. Read failures and unknown bytes
// both yield CmdUndefined together with the cause.
func ReadCommand(r io.Reader) (Command, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return CmdUndefined, err
	}
	switch c := Command(b[0]); c {
	case CmdSubscribe, CmdUnsubscribe, CmdPublish:
		return c, nil
	default:
		return CmdUndefined, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, b[0])
	}
}

// ReadTopic reads exactly width bytes and returns the canonical topic name.
func ReadTopic(r io.Reader, width int) (string, error) {
	raw := make([]byte, width)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return Canonical(raw, width), nil
}

// Canonical keeps only ASCII letters, digits and spaces from raw and pads the
// result with spaces to width. Input longer than width is cut.
func Canonical(raw []byte, width int) string {
	out := make([]byte, 0, width)
	for _, c := range raw {
		if len(out) == width {
			break
		}
		if isTopicChar(c) {
			out = append(out, c)
		}
	}
	for len(out) < width {
		out = append(out, ' ')
	}
	return string(out)
}

// CanonicalString is Canonical for string input.
func CanonicalString(name string, width int) string {
	return Canonical([]byte(name), width)
}

func isTopicChar(c byte) bool {
	return c == ' ' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// EncodeFrame returns payload prefixed with its big-endian u16 length. The
// whole frame is one slice so it can go out in a single Write.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", len(payload), MaxFrameSize)
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)
	return frame, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// IsEndOfStream reports whether payload is the end-of-stream marker.
func IsEndOfStream(payload []byte) bool {
	return string(payload) == string(EndOfStream)
}
