// Package message defines the immutable envelope routed by the bus.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/meshbus/internal/protocol/wire"
)

var (
	ErrEmptyTopic        = errors.New("message: empty topic")
	ErrInvalidPayload    = errors.New("message: invalid payload")
	ErrConversationRange = errors.New("message: conversation id out of range")
)

// Kind records which payload form the message was built from.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindBytes
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Message is shared by pointer between every recipient and must not be
// mutated after New returns.
type Message struct {
	sender         string
	topic          string
	conversationID uint64
	kind           Kind

	text   string
	bytes  []byte
	object any

	textOnce  sync.Once
	bytesOnce sync.Once
	objOnce   sync.Once
	objErr    error
}

// New builds a message. payload may be a string (text), a []byte (binary) or
// any JSON-serializable value (structured). Byte payloads are copied.
func New(sender, topic string, payload any, conversationID uint64) (*Message, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if conversationID > wire.MaxUint {
		return nil, fmt.Errorf("%w: %d", ErrConversationRange, conversationID)
	}
	m := &Message{sender: sender, topic: topic, conversationID: conversationID}
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidPayload)
	case string:
		m.kind = KindText
		m.text = p
		m.textOnce.Do(func() {})
	case []byte:
		m.kind = KindBytes
		m.bytes = bytes.Clone(p)
		m.bytesOnce.Do(func() {})
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: malformed json", ErrInvalidPayload)
		}
		m.kind = KindBytes
		m.bytes = bytes.Clone(p)
		m.bytesOnce.Do(func() {})
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		m.kind = KindObject
		m.object = p
		m.bytes = encoded
		m.bytesOnce.Do(func() {})
		m.objOnce.Do(func() {})
	}
	return m, nil
}

func (m *Message) Sender() string         { return m.sender }
func (m *Message) Topic() string          { return m.topic }
func (m *Message) ConversationID() uint64 { return m.conversationID }
func (m *Message) Kind() Kind             { return m.kind }

// Text returns the payload as UTF-8 text. Invalid byte sequences are replaced
// with U+FFFD; structured payloads render as JSON.
func (m *Message) Text() string {
	m.textOnce.Do(func() {
		m.text = strings.ToValidUTF8(string(m.bytes), "\uFFFD")
	})
	return m.text
}

// Bytes returns the payload bytes. The slice is shared; callers must not
// modify it.
func (m *Message) Bytes() []byte {
	m.bytesOnce.Do(func() {
		m.bytes = []byte(m.text)
	})
	return m.bytes
}

// Object returns the structured payload, parsing the text form as JSON when
// the message was not built from a value.
func (m *Message) Object() (any, error) {
	m.objOnce.Do(func() {
		var v any
		if err := json.Unmarshal(m.Bytes(), &v); err != nil {
			m.objErr = fmt.Errorf("message: payload is not json: %w", err)
			return
		}
		m.object = v
	})
	return m.object, m.objErr
}

// Decode unmarshals the JSON form of the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Bytes(), v); err != nil {
		return fmt.Errorf("message: decode %s payload: %w", m.kind, err)
	}
	return nil
}

// Len returns the payload size in bytes.
func (m *Message) Len() int {
	return len(m.Bytes())
}

func (m *Message) String() string {
	return fmt.Sprintf("message{sender=%q topic=%q cid=%d kind=%s len=%d}",
		m.sender, m.topic, m.conversationID, m.kind, m.Len())
}
