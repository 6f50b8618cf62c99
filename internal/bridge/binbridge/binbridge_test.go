package binbridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/protocol"
	"github.com/danmuck/meshbus/internal/testutil/testlog"
)

type sinkRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sinkRecorder) Send(frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
}

func (s *sinkRecorder) decoded(t *testing.T) []protocol.Frame {
	t.Helper()
	s.mu.Lock()
	raw := s.frames
	s.frames = nil
	s.mu.Unlock()
	out := make([]protocol.Frame, 0, len(raw))
	for _, data := range raw {
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

type harness struct {
	reg  *bus.Registry
	exec *bus.Manual
	sink *sinkRecorder
	b    *Bridge
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	testlog.Start(t)
	h := &harness{exec: bus.NewManual(), sink: &sinkRecorder{}}
	h.reg = bus.NewRegistry(h.exec, bus.WithName(t.Name()), bus.WithSerial("s"))
	h.b = New(h.reg, h.exec, h.sink, cfg)
	h.b.Start()
	h.exec.RunPending()
	h.sink.decoded(t)
	return h
}

func encode(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	return data
}

func TestOnConnectAnnouncesSession(t *testing.T) {
	h := newHarness(t, Config{Name: "peer"})
	local := &bus.ListenerFuncs{}
	require.True(t, h.reg.Subscribe("news", local))
	h.exec.RunPending()
	h.sink.decoded(t)

	h.b.OnConnect()
	want := []protocol.Frame{
		protocol.NewSessionFrame{Version: protocol.ProtocolVersion},
		protocol.UpdateSerialFrame{Serial: "s"},
		protocol.ChannelsFrame{Op: protocol.ChannelsReplace, Topics: []string{"news"}},
	}
	if diff := cmp.Diff(want, h.sink.decoded(t)); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchSchedulesHandling(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.b.Dispatch(encode(t, protocol.ChannelsFrame{Op: protocol.ChannelsAdd, Topics: []string{"a", "b"}})))
	require.Empty(t, h.reg.SubscribedTopics(h.b.Bridge), "handling must be deferred")
	h.exec.RunPending()
	require.Equal(t, []string{"a", "b"}, h.reg.SubscribedTopics(h.b.Bridge))

	require.NoError(t, h.b.Dispatch(encode(t, protocol.ChannelsFrame{Op: protocol.ChannelsErase, Topics: []string{"a"}})))
	h.exec.RunPending()
	require.Equal(t, []string{"b"}, h.reg.SubscribedTopics(h.b.Bridge))
}

func TestDispatchMessageDeliversLocally(t *testing.T) {
	h := newHarness(t, Config{})
	var got []*message.Message
	local := &bus.ListenerFuncs{Message: func(msg *message.Message, _ bool) { got = append(got, msg) }}
	require.True(t, h.reg.Subscribe("jobs", local))
	h.exec.RunPending()
	h.sink.decoded(t)

	require.NoError(t, h.b.Dispatch(encode(t, protocol.MessageFrame{
		ConversationID: 12,
		Sender:         "mbx_remote",
		Topic:          "jobs",
		Payload:        []byte{0x00, 0xff},
	})))
	h.exec.RunPending()
	require.Len(t, got, 1)
	require.Equal(t, []byte{0x00, 0xff}, got[0].Bytes())
	require.Equal(t, uint64(12), got[0].ConversationID())
	require.Equal(t, message.KindBytes, got[0].Kind())
}

func TestDispatchMissAnswersNoRoute(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.b.Dispatch(encode(t, protocol.MessageFrame{Sender: "mbx_remote", Topic: "void", Payload: []byte("x")})))
	h.exec.RunPending()
	want := []protocol.Frame{protocol.NoRouteFrame{Sender: "mbx_remote", Receiver: "void"}}
	if diff := cmp.Diff(want, h.sink.decoded(t)); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalPublishIsEncoded(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.b.Dispatch(encode(t, protocol.ChannelsFrame{Op: protocol.ChannelsReplace, Topics: []string{"out"}})))
	h.exec.RunPending()

	local := &bus.ListenerFuncs{}
	_, err := h.reg.Send(local, "out", "hello", 4)
	require.NoError(t, err)
	h.exec.RunPending()
	want := []protocol.Frame{protocol.MessageFrame{
		ConversationID: 4,
		Sender:         h.reg.Mailbox(local),
		Topic:          "out",
		Payload:        []byte("hello"),
	}}
	if diff := cmp.Diff(want, h.sink.decoded(t)); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestPingIsAnsweredImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.b.Dispatch(encode(t, protocol.PingFrame{})))
	require.Equal(t, 0, h.exec.Pending())
	require.Equal(t, []protocol.Frame{protocol.PongFrame{}}, h.sink.decoded(t))

	require.NoError(t, h.b.Dispatch(encode(t, protocol.PongFrame{})))
	require.Empty(t, h.sink.decoded(t))

	h.b.Ping()
	require.Equal(t, []protocol.Frame{protocol.PingFrame{}}, h.sink.decoded(t))
}

func TestMalformedFramesAreBudgeted(t *testing.T) {
	h := newHarness(t, Config{MalformedPerSecond: 0.001, MalformedBurst: 2})

	err := h.b.Dispatch([]byte{0x01})
	if !errors.Is(err, ErrMalformedFrame) || !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected malformed unknown-type error, got %v", err)
	}
	err = h.b.Dispatch([]byte{byte(protocol.MessageMessage), 0x00, 0x05, 'a'})
	if !errors.Is(err, ErrMalformedFrame) || !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected malformed truncated error, got %v", err)
	}
	err = h.b.Dispatch(nil)
	if !errors.Is(err, ErrTooManyMalformed) {
		t.Fatalf("expected budget exhaustion, got %v", err)
	}
	require.Equal(t, 0, h.exec.Pending())
}

func TestGroupFramesRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	var joined, closed []string
	local := &bus.ListenerFuncs{
		AddToGroup: func(group, _ string) { joined = append(joined, group) },
		CloseGroup: func(group string) { closed = append(closed, group) },
	}
	mbx := h.reg.Mailbox(local)

	require.NoError(t, h.b.Dispatch(encode(t, protocol.AddToGroupFrame{Group: "G", Target: mbx})))
	require.NoError(t, h.b.Dispatch(encode(t, protocol.CloseGroupFrame{Group: "G"})))
	require.NoError(t, h.b.Dispatch(encode(t, protocol.AddToGroupFrame{Group: "H", Target: "mbx_missing"})))
	h.exec.RunPending()

	require.Equal(t, []string{"G"}, joined)
	require.Equal(t, []string{"G"}, closed)
	want := []protocol.Frame{protocol.ChannelsFrame{Op: protocol.ChannelsErase, Topics: []string{"H"}}}
	if diff := cmp.Diff(want, h.sink.decoded(t)); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSessionAndResetFrames(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.b.Dispatch(encode(t, protocol.ChannelsFrame{Op: protocol.ChannelsReplace, Topics: []string{"r"}})))
	h.exec.RunPending()
	require.NoError(t, h.b.Dispatch(encode(t, protocol.NewSessionFrame{Version: protocol.ProtocolVersion})))
	h.exec.RunPending()
	require.Empty(t, h.reg.SubscribedTopics(h.b.Bridge))
	require.Equal(t, []protocol.Frame{protocol.UpdateSerialFrame{Serial: "s"}}, h.sink.decoded(t))

	require.NoError(t, h.b.Dispatch(encode(t, protocol.ResetFrame{})))
	h.exec.RunPending()
	require.Equal(t, []protocol.Frame{protocol.UpdateSerialFrame{Serial: "s"}}, h.sink.decoded(t))
}
