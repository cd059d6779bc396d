package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize is the maximum allowed admin payload size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

// WriteMsg writes a u32 length-prefixed msgpack envelope to w in one Write.
func WriteMsg(w io.Writer, env *Envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadMsg reads a u32 length-prefixed msgpack envelope from r.
func ReadMsg(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, errors.New("empty message")
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", size, MaxMessageSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// DecodeBody unmarshals an Envelope.Body into v.
func DecodeBody(body msgpack.RawMessage, v any) error {
	return msgpack.Unmarshal(body, v)
}

// NewEnvelope creates an Envelope with the given type, ID, and body. A nil
// body leaves Body empty.
func NewEnvelope(typ MsgType, id uint32, body any) (*Envelope, error) {
	if body == nil {
		return &Envelope{Type: typ, ID: id}, nil
	}
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typ, ID: id, Body: raw}, nil
}
