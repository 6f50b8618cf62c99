package bridge

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/protocol"
	"github.com/danmuck/meshbus/internal/testutil/testlog"
)

// capture records every outbound call as the frame it would become.
type capture struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *capture) add(f protocol.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

// take returns and clears the recorded frames.
func (c *capture) take() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func (c *capture) SendMessage(msg *message.Message) {
	c.add(protocol.MessageFrame{ConversationID: msg.ConversationID(), Sender: msg.Sender(), Topic: msg.Topic(), Payload: msg.Bytes()})
}
func (c *capture) SendChannels(op protocol.ChannelOp, topics []string) {
	c.add(protocol.ChannelsFrame{Op: op, Topics: append([]string(nil), topics...)})
}
func (c *capture) SendReset()                     { c.add(protocol.ResetFrame{}) }
func (c *capture) SendNoRoute(sender, rcv string) { c.add(protocol.NoRouteFrame{Sender: sender, Receiver: rcv}) }
func (c *capture) SendAddToGroup(group, target string) {
	c.add(protocol.AddToGroupFrame{Group: group, Target: target})
}
func (c *capture) SendCloseGroup(group string)    { c.add(protocol.CloseGroupFrame{Group: group}) }
func (c *capture) SendGroupEmpty(group string)    { c.add(protocol.GroupEmptyFrame{Group: group}) }
func (c *capture) SendUpdateSerial(serial string) { c.add(protocol.UpdateSerialFrame{Serial: serial}) }
func (c *capture) SendNewSession(version uint64)  { c.add(protocol.NewSessionFrame{Version: version}) }

type fixture struct {
	reg   *bus.Registry
	exec  *bus.Manual
	out   *capture
	b     *Bridge
	local *bus.ListenerFuncs
	got   []*message.Message
}

// newFixture builds a registry with serial "m", a local listener subscribed
// to topics, and a bridge that is not yet started.
func newFixture(t *testing.T, topics []string, opts ...Option) *fixture {
	t.Helper()
	testlog.Start(t)
	f := &fixture{exec: bus.NewManual(), out: &capture{}}
	f.reg = bus.NewRegistry(f.exec, bus.WithName(t.Name()), bus.WithSerial("m"))
	f.local = &bus.ListenerFuncs{Message: func(msg *message.Message, _ bool) { f.got = append(f.got, msg) }}
	for _, topic := range topics {
		require.True(t, f.reg.Subscribe(topic, f.local))
	}
	f.b = New(f.reg, f.out, append([]Option{WithName("test")}, opts...)...)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.b.Start()
	f.exec.RunPending()
}

func requireFrames(t *testing.T, got []protocol.Frame, want ...protocol.Frame) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func channels(op protocol.ChannelOp, topics ...string) protocol.ChannelsFrame {
	return protocol.ChannelsFrame{Op: op, Topics: topics}
}

func TestStartSendsSerialThenReplace(t *testing.T) {
	f := newFixture(t, []string{"b", "a"})
	f.start(t)
	requireFrames(t, f.out.take(),
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace, "a", "b"),
	)
}

func TestStartWithNoTopicsSendsOnlySerial(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	requireFrames(t, f.out.take(), protocol.UpdateSerialFrame{Serial: "m"})
}

func TestAdvertiseSendsMinimalDiff(t *testing.T) {
	f := newFixture(t, []string{"a", "b", "c"})
	f.start(t)
	f.out.take()

	require.True(t, f.reg.Subscribe("d", f.local))
	require.True(t, f.reg.Unsubscribe("b", f.local))
	f.exec.RunPending()

	requireFrames(t, f.out.take(),
		channels(protocol.ChannelsAdd, "d"),
		channels(protocol.ChannelsErase, "b"),
	)
	require.Equal(t, []string{"a", "c", "d"}, f.b.State().Advertised)
}

func TestAdvertiseIsQuietWithoutChanges(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.start(t)
	f.out.take()
	f.reg.ForceNotify()
	f.exec.RunPending()
	require.Empty(t, f.out.take())
}

func TestResendSendsFullViewAgain(t *testing.T) {
	f := newFixture(t, []string{"a", "b"})
	f.start(t)
	f.out.take()

	f.b.Resend()
	requireFrames(t, f.out.take(),
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace, "a", "b"),
	)

	// an empty view still tells the peer to drop what it holds
	require.True(t, f.reg.Unsubscribe("a", f.local))
	require.True(t, f.reg.Unsubscribe("b", f.local))
	f.exec.RunPending()
	f.out.take()
	f.b.Resend()
	requireFrames(t, f.out.take(),
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace),
	)

	f.b.Close()
	f.b.Resend()
	require.Empty(t, f.out.take())
}

func TestPeerTopicsAreNotEchoedBack(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()

	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"x"})
	f.exec.RunPending()
	require.Equal(t, []string{"x"}, f.reg.SubscribedTopics(f.b))
	require.Empty(t, f.out.take())

	// a local subscriber makes the topic worth advertising
	require.True(t, f.reg.Subscribe("x", f.local))
	f.exec.RunPending()
	requireFrames(t, f.out.take(), channels(protocol.ChannelsReplace, "x"))
}

func TestReceiveChannelsOps(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"a", "b"})
	f.b.ReceiveChannels(protocol.ChannelsAdd, []string{"c"})
	f.b.ReceiveChannels(protocol.ChannelsErase, []string{"a", "missing"})
	require.Equal(t, []string{"b", "c"}, f.reg.SubscribedTopics(f.b))

	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"z"})
	require.Equal(t, []string{"z"}, f.reg.SubscribedTopics(f.b))
}

func TestCycleModeDropsSubscriptionsAndStopsAdvertising(t *testing.T) {
	f := newFixture(t, []string{"t1"})
	f.start(t)
	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"r1", "r2"})
	f.exec.RunPending()
	f.out.take()

	// our own serial coming back means the peer reaches us another way
	f.b.ReceiveUpdateSerial("m")
	f.exec.RunPending()
	require.True(t, f.b.State().CycleDetect)
	requireFrames(t, f.out.take(), channels(protocol.ChannelsErase, "t1"))
	require.Empty(t, f.reg.SubscribedTopics(f.b))

	// updates from the peer still apply while cycled
	f.b.ReceiveChannels(protocol.ChannelsAdd, []string{"x"})
	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"y"})
	require.Equal(t, []string{"y"}, f.reg.SubscribedTopics(f.b))
	f.b.ReceiveChannels(protocol.ChannelsErase, []string{"y"})
	require.Empty(t, f.reg.SubscribedTopics(f.b))

	// local changes are not advertised while cycled
	require.True(t, f.reg.Subscribe("t2", f.local))
	f.exec.RunPending()
	require.Empty(t, f.out.take())

	// a smaller serial through this bridge makes it the source path
	f.b.ReceiveUpdateSerial("a")
	f.exec.RunPending()
	require.False(t, f.b.State().CycleDetect)
	requireFrames(t, f.out.take(),
		channels(protocol.ChannelsReplace, "t1", "t2"),
		protocol.ResetFrame{},
	)
	require.Equal(t, "a", f.reg.GetSerial(f.local))
	require.Equal(t, "", f.reg.GetSerial(f.b))
}

func TestLargerSerialIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()
	f.b.ReceiveUpdateSerial("z")
	f.exec.RunPending()
	require.False(t, f.b.State().CycleDetect)
	require.Equal(t, "m", f.reg.GetSerial(f.local))
	require.Empty(t, f.out.take())
}

func TestWinningSerialIsForwardedToOtherBridges(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	other := New(f.reg, &capture{}, WithName("other"))
	otherOut := other.out.(*capture)
	other.Start()
	f.exec.RunPending()
	otherOut.take()

	f.b.ReceiveUpdateSerial("a")
	f.exec.RunPending()
	requireFrames(t, otherOut.take(), protocol.UpdateSerialFrame{Serial: "a"})
	require.Empty(t, f.out.take())
}

func TestResetResendsFullView(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.start(t)
	f.out.take()

	f.b.ReceiveReset()
	requireFrames(t, f.out.take(),
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace, "a"),
	)
}

func TestNewSessionDropsPeerState(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.start(t)
	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"r1"})
	f.b.ReceiveUpdateSerial("0")
	f.exec.RunPending()
	require.Equal(t, "0", f.reg.GetSerial(f.local))
	f.out.take()

	f.b.ReceiveNewSession(protocol.ProtocolVersion)
	f.exec.RunPending()

	require.Empty(t, f.reg.SubscribedTopics(f.b))
	require.Equal(t, "m", f.reg.GetSerial(f.local))
	requireFrames(t, f.out.take(),
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace, "a"),
	)
}

func TestResyncAnnouncesSessionFirst(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.start(t)
	f.out.take()

	f.b.Resync(protocol.ProtocolVersion)
	requireFrames(t, f.out.take(),
		protocol.NewSessionFrame{Version: protocol.ProtocolVersion},
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace, "a"),
	)
}

func TestReceiveMessageDeliversAndRegistersReturnPath(t *testing.T) {
	f := newFixture(t, []string{"req"})
	f.start(t)
	f.out.take()

	msg, err := message.New("mbx_remote", "req", "ping", 3)
	require.NoError(t, err)
	f.b.ReceiveMessage(msg)
	f.exec.RunPending()
	require.Len(t, f.got, 1)
	require.Equal(t, "ping", f.got[0].Text())
	require.Empty(t, f.out.take())

	delivered, err := f.reg.Send(f.local, "mbx_remote", "pong", 3)
	require.NoError(t, err)
	require.True(t, delivered)
	f.exec.RunPending()
	requireFrames(t, f.out.take(), protocol.MessageFrame{
		ConversationID: 3,
		Sender:         f.reg.Mailbox(f.local),
		Topic:          "mbx_remote",
		Payload:        []byte("pong"),
	})
}

func TestReceiveMessageWithoutRouteAnswersNoRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()

	msg, err := message.New("mbx_remote", "nowhere", "x", 0)
	require.NoError(t, err)
	f.b.ReceiveMessage(msg)
	requireFrames(t, f.out.take(), protocol.NoRouteFrame{Sender: "mbx_remote", Receiver: "nowhere"})

	anon, err := message.New("", "nowhere", "x", 0)
	require.NoError(t, err)
	f.b.ReceiveMessage(anon)
	require.Empty(t, f.out.take())
}

func TestNoRouteNotifiesLocalSender(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	var lost [][2]string
	f.local.NoRoute = func(sender, receiver string) { lost = append(lost, [2]string{sender, receiver}) }
	mbx := f.reg.Mailbox(f.local)

	f.b.ReceiveNoRoute(mbx, "mbx_gone")
	f.exec.RunPending()
	require.Equal(t, [][2]string{{mbx, "mbx_gone"}}, lost)
}

func TestAddToGroupFromPeer(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()
	var joined []string
	f.local.AddToGroup = func(group, _ string) { joined = append(joined, group) }

	f.b.ReceiveAddToGroup("G", f.reg.Mailbox(f.local))
	f.exec.RunPending()
	require.Equal(t, []string{"G"}, joined)
	require.Empty(t, f.out.take())

	// the peer owns the group, so local sends on it go nowhere
	delivered, err := f.reg.Send(f.local, "G", "x", 0)
	require.NoError(t, err)
	require.False(t, delivered)
}

func TestAddToGroupRejectionIsAnsweredWithErase(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()

	f.b.ReceiveAddToGroup("G", "mbx_unknown")
	requireFrames(t, f.out.take(), channels(protocol.ChannelsErase, "G"))
}

func TestGroupLifecycleAcrossBridge(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()
	var closed []string
	f.local.CloseGroup = func(group string) { closed = append(closed, group) }
	mbx := f.reg.Mailbox(f.local)

	f.b.ReceiveAddToGroup("G", mbx)
	f.b.ReceiveCloseGroup("G")
	f.exec.RunPending()
	require.Equal(t, []string{"G"}, closed)
	require.False(t, f.reg.IsTopic("G"))

	// a local group with the bridge as member; the peer reports its side empty
	var emptied []string
	f.local.GroupEmpty = func(group string) { emptied = append(emptied, group) }
	bridgeMbx := f.reg.Mailbox(f.b)
	require.True(t, f.reg.AddToGroup(f.local, "L", bridgeMbx))
	f.exec.RunPending()
	requireFrames(t, f.out.take(), protocol.AddToGroupFrame{Group: "L", Target: bridgeMbx})

	f.b.ReceiveGroupEmpty("L")
	f.exec.RunPending()
	require.Equal(t, []string{"L"}, emptied)
	require.False(t, f.reg.IsTopic("L"))
}

func TestOutboundGroupEventsReachPeer(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.out.take()

	f.b.OnAddToGroup("G", "mbx_1")
	f.b.OnCloseGroup("G")
	f.b.OnGroupEmpty("H")
	f.b.OnNoRoute("mbx_a", "mbx_b")
	requireFrames(t, f.out.take(),
		protocol.AddToGroupFrame{Group: "G", Target: "mbx_1"},
		protocol.CloseGroupFrame{Group: "G"},
		protocol.GroupEmptyFrame{Group: "H"},
		protocol.NoRouteFrame{Sender: "mbx_a", Receiver: "mbx_b"},
	)
}

func TestFilterRestrictsBothDirections(t *testing.T) {
	filter := TopicFilter{Incoming: []string{"pub.*"}, Outgoing: []string{"out"}}
	f := newFixture(t, []string{"pub.a", "priv"}, WithFilter(filter))
	f.start(t)
	requireFrames(t, f.out.take(),
		protocol.UpdateSerialFrame{Serial: "m"},
		channels(protocol.ChannelsReplace, "pub.a"),
	)

	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"out", "other"})
	require.Equal(t, []string{"out"}, f.reg.SubscribedTopics(f.b))

	blocked, err := message.New("mbx_x", "other", "x", 0)
	require.NoError(t, err)
	f.b.OnMessage(blocked, false)
	require.Empty(t, f.out.take())
	f.b.OnMessage(blocked, true)
	require.Len(t, f.out.take(), 1)

	// inbound messages on a known topic the filter rejects are dropped
	in, err := message.New("mbx_x", "priv", "x", 0)
	require.NoError(t, err)
	f.b.ReceiveMessage(in)
	f.exec.RunPending()
	require.Empty(t, f.got)
	require.Empty(t, f.out.take())
}

func TestSetFilterReadvertises(t *testing.T) {
	f := newFixture(t, []string{"a", "b"})
	f.start(t)
	f.out.take()

	f.b.SetFilter(TopicFilter{Incoming: []string{"a"}})
	f.exec.RunPending()
	requireFrames(t, f.out.take(), channels(protocol.ChannelsErase, "b"))

	f.b.SetFilter(nil)
	f.exec.RunPending()
	requireFrames(t, f.out.take(), channels(protocol.ChannelsAdd, "b"))
}

func TestCloseRemovesBridgeState(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.start(t)
	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"r"})
	mbx := f.reg.Mailbox(f.b)
	f.out.take()

	f.b.Close()
	f.exec.RunPending()
	require.Empty(t, f.reg.SubscribedTopics(f.b))
	_, ok := f.reg.MailboxOf(f.b)
	require.False(t, ok, "mailbox %s should be released", mbx)
	require.True(t, f.b.State().Closed)

	f.b.ReceiveReset()
	f.b.OnNoRoute("a", "b")
	require.True(t, f.reg.Subscribe("late", f.local))
	f.exec.RunPending()
	require.Empty(t, f.out.take())
}

func TestDiffSorted(t *testing.T) {
	cases := []struct {
		name           string
		next, prev     []string
		added, removed []string
	}{
		{name: "empty"},
		{name: "swap", next: []string{"a", "c", "d"}, prev: []string{"a", "b", "c"}, added: []string{"d"}, removed: []string{"b"}},
		{name: "all new", next: []string{"x", "y"}, added: []string{"x", "y"}},
		{name: "all gone", prev: []string{"x"}, removed: []string{"x"}},
		{name: "interleaved", next: []string{"b", "d"}, prev: []string{"a", "c", "e"}, added: []string{"b", "d"}, removed: []string{"a", "c", "e"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			added, removed := diffSorted(tc.next, tc.prev)
			if diff := cmp.Diff(tc.added, added); diff != "" {
				t.Fatalf("added (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.removed, removed); diff != "" {
				t.Fatalf("removed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTopicFilterPatterns(t *testing.T) {
	f := TopicFilter{Incoming: []string{"metrics.*", "exact"}}
	require.True(t, f.AllowIncoming("metrics.cpu"))
	require.True(t, f.AllowIncoming("exact"))
	require.False(t, f.AllowIncoming("exactly"))
	require.False(t, f.AllowIncoming("other"))
	require.True(t, f.AllowOutgoing("anything"))
	require.True(t, f.AllowIncomingAddToGroup("g", "t"))
}

func TestResyncDropsPreviousPeerState(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.b.ReceiveChannels(protocol.ChannelsReplace, []string{"old"})
	f.b.ReceiveUpdateSerial("m")
	require.True(t, f.b.State().CycleDetect)
	f.exec.RunPending()
	f.out.take()

	f.b.Resync(protocol.ProtocolVersion)
	require.False(t, f.b.State().CycleDetect)
	require.Empty(t, f.reg.SubscribedTopics(f.b))
	requireFrames(t, f.out.take(),
		protocol.NewSessionFrame{Version: protocol.ProtocolVersion},
		protocol.UpdateSerialFrame{Serial: "m"},
	)
}
