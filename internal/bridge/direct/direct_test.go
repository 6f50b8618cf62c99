package direct

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/meshbus/internal/bridge"
	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/testutil/testlog"
)

type inbox struct {
	l    *bus.ListenerFuncs
	msgs []*message.Message
}

func newInbox() *inbox {
	in := &inbox{}
	in.l = &bus.ListenerFuncs{Message: func(msg *message.Message, _ bool) { in.msgs = append(in.msgs, msg) }}
	return in
}

func newMesh(t *testing.T) (*bus.Registry, *bus.Registry, *bus.Manual) {
	t.Helper()
	testlog.Start(t)
	exec := bus.NewManual()
	regA := bus.NewRegistry(exec, bus.WithName("A"), bus.WithSerial("a"))
	regB := bus.NewRegistry(exec, bus.WithName("B"), bus.WithSerial("b"))
	return regA, regB, exec
}

func TestPairCarriesTopicsAndReplies(t *testing.T) {
	regA, regB, exec := newMesh(t)
	pair := Connect(regA, exec, regB, exec)
	defer pair.Close()

	server := newInbox()
	require.True(t, regB.Subscribe("echo", server.l))
	exec.RunPending()
	require.Equal(t, []string{"echo"}, regA.SubscribedTopics(pair.A))

	client := newInbox()
	delivered, err := regA.Send(client.l, "echo", "hi", 9)
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()
	require.Len(t, server.msgs, 1)
	req := server.msgs[0]
	require.Equal(t, regA.Mailbox(client.l), req.Sender())
	require.Equal(t, uint64(9), req.ConversationID())

	delivered, err = regB.Send(server.l, req.Sender(), "hi back", req.ConversationID())
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()
	require.Len(t, client.msgs, 1)
	require.Equal(t, "hi back", client.msgs[0].Text())
	require.Equal(t, regB.Mailbox(server.l), client.msgs[0].Sender())
}

func TestPairSerialConverges(t *testing.T) {
	regA, regB, exec := newMesh(t)
	Connect(regA, exec, regB, exec)
	exec.RunPending()

	probe := newInbox()
	require.Equal(t, "a", regA.GetSerial(probe.l))
	require.Equal(t, "a", regB.GetSerial(probe.l))
}

func TestRemoteGroupMembership(t *testing.T) {
	regA, regB, exec := newMesh(t)
	pair := Connect(regA, exec, regB, exec)
	defer pair.Close()

	owner, member := newInbox(), newInbox()
	var joined []string
	member.l.AddToGroup = func(group, _ string) { joined = append(joined, group) }

	// B learns a return path to the owner from its first message
	require.True(t, regB.Subscribe("hello", member.l))
	exec.RunPending()
	_, err := regA.Send(owner.l, "hello", "x", 0)
	require.NoError(t, err)
	exec.RunPending()
	require.Len(t, member.msgs, 1)

	// the owner cannot resolve the member locally, so it hands the request to the bridge
	memberID := regB.Mailbox(member.l)
	require.True(t, regA.Subscribe("hello", owner.l))
	exec.RunPending()
	_, err = regB.Send(member.l, "hello", "y", 0)
	require.NoError(t, err)
	exec.RunPending()
	require.True(t, regA.AddToGroup(owner.l, "G", memberID))
	exec.RunPending()
	require.Equal(t, []string{"G"}, joined)

	delivered, err := regA.Send(owner.l, "G", "group msg", 0)
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()
	require.Equal(t, "group msg", member.msgs[len(member.msgs)-1].Text())
}

func cycled(p *Pair) (bool, bool) {
	return p.A.State().CycleDetect, p.B.State().CycleDetect
}

func TestRedundantLinksResolveCycle(t *testing.T) {
	regA, regB, exec := newMesh(t)
	p1 := Connect(regA, exec, regB, exec, WithNames("A1", "B1"))
	p2 := Connect(regA, exec, regB, exec, WithNames("A2", "B2"))
	exec.RunPending()

	a1, b1 := cycled(p1)
	a2, b2 := cycled(p2)
	require.True(t, a1 == b1 && a2 == b2, "link ends disagree: p1=%v/%v p2=%v/%v", a1, b1, a2, b2)
	require.True(t, a1 != a2, "exactly one link should be cycled: p1=%v p2=%v", a1, a2)

	sub := newInbox()
	require.True(t, regB.Subscribe("news", sub.l))
	exec.RunPending()

	pub := newInbox()
	delivered, err := regA.Send(pub.l, "news", "once", 0)
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()
	require.Len(t, sub.msgs, 1, "message must arrive exactly once")
}

func TestCycleRecoversWhenActiveLinkCloses(t *testing.T) {
	regA, regB, exec := newMesh(t)
	p1 := Connect(regA, exec, regB, exec, WithNames("A1", "B1"))
	p2 := Connect(regA, exec, regB, exec, WithNames("A2", "B2"))
	exec.RunPending()

	active, standby := p1, p2
	if a, _ := cycled(p1); a {
		active, standby = p2, p1
	}

	sub := newInbox()
	require.True(t, regB.Subscribe("news", sub.l))
	exec.RunPending()

	active.Close()
	exec.RunPending()

	a, b := cycled(standby)
	require.False(t, a)
	require.False(t, b)
	require.Equal(t, []string{"news"}, regA.SubscribedTopics(standby.A))

	pub := newInbox()
	delivered, err := regA.Send(pub.l, "news", "after failover", 0)
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()
	require.Len(t, sub.msgs, 1)
	require.Equal(t, "after failover", sub.msgs[0].Text())
}

func TestTriangleDeliversOnce(t *testing.T) {
	testlog.Start(t)
	exec := bus.NewManual()
	regA := bus.NewRegistry(exec, bus.WithName("A"), bus.WithSerial("a"))
	regB := bus.NewRegistry(exec, bus.WithName("B"), bus.WithSerial("b"))
	regC := bus.NewRegistry(exec, bus.WithName("C"), bus.WithSerial("c"))
	Connect(regA, exec, regB, exec)
	Connect(regB, exec, regC, exec)
	Connect(regC, exec, regA, exec)
	exec.RunPending()

	sub := newInbox()
	require.True(t, regC.Subscribe("news", sub.l))
	exec.RunPending()

	for _, reg := range []*bus.Registry{regA, regB} {
		pub := newInbox()
		_, err := reg.Send(pub.l, "news", reg.Name(), 0)
		require.NoError(t, err)
	}
	exec.RunPending()
	require.Len(t, sub.msgs, 2)
	require.ElementsMatch(t, []string{"A", "B"}, []string{sub.msgs[0].Text(), sub.msgs[1].Text()})
}

func TestFiltersApplyPerSide(t *testing.T) {
	regA, regB, exec := newMesh(t)
	pair := Connect(regA, exec, regB, exec, WithFilters(nil, bridge.TopicFilter{Incoming: []string{"public.*"}}))
	defer pair.Close()

	sub := newInbox()
	require.True(t, regB.Subscribe("public.x", sub.l))
	require.True(t, regB.Subscribe("private", sub.l))
	exec.RunPending()
	require.Equal(t, []string{"public.x"}, regA.SubscribedTopics(pair.A))
}
