package message

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/meshbus/internal/protocol/wire"
	"github.com/danmuck/meshbus/internal/testutil/testlog"
)

func TestNewValidatesInput(t *testing.T) {
	testlog.Start(t)
	if _, err := New("mbx_a", "", "x", 0); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("expected ErrEmptyTopic, got %v", err)
	}
	if _, err := New("mbx_a", "news", nil, 0); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for nil, got %v", err)
	}
	if _, err := New("mbx_a", "news", math.Inf(1), 0); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for unserializable value, got %v", err)
	}
	if _, err := New("mbx_a", "news", make(chan int), 0); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for chan, got %v", err)
	}
	if _, err := New("mbx_a", "news", "x", wire.MaxUint+1); !errors.Is(err, ErrConversationRange) {
		t.Fatalf("expected ErrConversationRange, got %v", err)
	}
	if _, err := New("mbx_a", "news", "x", wire.MaxUint); err != nil {
		t.Fatalf("MaxUint conversation id should be accepted: %v", err)
	}
}

func TestTextMessageViews(t *testing.T) {
	testlog.Start(t)
	m, err := New("mbx_a", "news", `{"n":1}`, 7)
	require.NoError(t, err)
	require.Equal(t, KindText, m.Kind())
	require.Equal(t, "mbx_a", m.Sender())
	require.Equal(t, "news", m.Topic())
	require.Equal(t, uint64(7), m.ConversationID())
	require.Equal(t, []byte(`{"n":1}`), m.Bytes())

	obj, err := m.Object()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": float64(1)}, obj)

	var decoded struct{ N int }
	require.NoError(t, m.Decode(&decoded))
	require.Equal(t, 1, decoded.N)
}

func TestBytesMessageViews(t *testing.T) {
	testlog.Start(t)
	m, err := New("mbx_a", "bin", []byte{'h', 'i', 0xFF}, 0)
	require.NoError(t, err)
	require.Equal(t, KindBytes, m.Kind())
	require.Equal(t, "hi\uFFFD", m.Text())
	if _, err := m.Object(); err == nil {
		t.Fatalf("expected object view to fail on non-json bytes")
	}
	// memoized: second call returns the same error without reparsing
	if _, err2 := m.Object(); err2 == nil {
		t.Fatalf("expected memoized object error")
	}
}

func TestBytesPayloadIsCopied(t *testing.T) {
	testlog.Start(t)
	buf := []byte("first")
	m, err := New("mbx_a", "bin", buf, 0)
	require.NoError(t, err)
	raw := json.RawMessage(`{"n":1}`)
	r, err := New("mbx_a", "bin", raw, 0)
	require.NoError(t, err)

	copy(buf, "XXXXX")
	copy(raw, `{"n":9}`)
	require.Equal(t, "first", m.Text())
	require.Equal(t, []byte("first"), m.Bytes())
	require.Equal(t, `{"n":1}`, r.Text())
}

func TestObjectMessageViews(t *testing.T) {
	testlog.Start(t)
	payload := map[string]any{"greeting": "hello", "n": 2}
	m, err := New("mbx_a", "obj", payload, 3)
	require.NoError(t, err)
	require.Equal(t, KindObject, m.Kind())
	require.JSONEq(t, `{"greeting":"hello","n":2}`, m.Text())

	obj, err := m.Object()
	require.NoError(t, err)
	require.Equal(t, payload, obj)
	require.Contains(t, m.String(), `topic="obj"`)
}

func TestViewsAreMemoized(t *testing.T) {
	testlog.Start(t)
	m, err := New("mbx_a", "news", "hello", 0)
	require.NoError(t, err)
	first := m.Bytes()
	second := m.Bytes()
	if &first[0] != &second[0] {
		t.Fatalf("Bytes view should be computed once")
	}
}
