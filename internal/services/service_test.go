package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/testutil/testlog"
)

type fakeService struct {
	name    string
	actions map[string]Action
}

func (f fakeService) Name() string                  { return f.name }
func (f fakeService) Status() (any, error)          { return "ok", nil }
func (f fakeService) Actions() map[string]Action    { return f.actions }
func (f fakeService) Run(ctx context.Context) error { <-ctx.Done(); return nil }

func newClient(t *testing.T, reg *bus.Registry) (*bus.Client, *[]*message.Message) {
	t.Helper()
	var got []*message.Message
	c := bus.NewClient(reg, bus.ListenerFuncs{
		Message: func(msg *message.Message, _ bool) { got = append(got, msg) },
	})
	t.Cleanup(c.Close)
	return c, &got
}

func TestServiceRegistryExecuteAndList(t *testing.T) {
	testlog.Start(t)

	registry := NewServiceRegistry()
	registry.Register(fakeService{name: "b"})
	registry.Register(fakeService{
		name: "a",
		actions: map[string]Action{
			"ok":  func() (string, error) { return "done", nil },
			"err": func() (string, error) { return "", errors.New("boom") },
		},
	})

	out, err := registry.Execute("a", "ok")
	if err != nil || out != "done" {
		t.Fatalf("expected action output, out=%q err=%v", out, err)
	}
	if _, err := registry.Execute("a", "missing"); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
	if _, err := registry.Execute("missing", "ok"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if _, err := registry.Execute("a", "err"); err == nil {
		t.Fatalf("expected action error")
	}

	list := registry.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Name)
	require.Equal(t, []string{"err", "ok"}, list[0].Actions)
	require.Equal(t, "ok", list[1].Status)
}

func TestEchoRepliesToSender(t *testing.T) {
	testlog.Start(t)
	exec := bus.NewManual()
	reg := bus.NewRegistry(exec, bus.WithName("echo"))

	echo := NewEcho(reg, "ping")
	require.True(t, echo.Start())
	caller, got := newClient(t, reg)

	delivered, err := caller.Send("ping", "hello", 42)
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()

	require.Len(t, *got, 1)
	reply := (*got)[0]
	require.Equal(t, "hello", reply.Text())
	require.Equal(t, uint64(42), reply.ConversationID())
	require.Equal(t, caller.Mailbox(), reply.Topic())

	status, err := echo.Status()
	require.NoError(t, err)
	require.Equal(t, EchoStatus{Topic: "ping", Received: 1, Replied: 1}, status)
}

func TestEchoIgnoresAnonymousMessages(t *testing.T) {
	testlog.Start(t)
	exec := bus.NewManual()
	reg := bus.NewRegistry(exec)

	echo := NewEcho(reg, "ping")
	require.True(t, echo.Start())
	delivered, err := reg.Send(nil, "ping", []byte{1, 2}, 0)
	require.NoError(t, err)
	require.True(t, delivered)
	exec.RunPending()

	status, _ := echo.Status()
	require.Equal(t, EchoStatus{Topic: "ping", Received: 1, Anonymous: 1}, status)

	out, err := echo.Actions()["reset"]()
	require.NoError(t, err)
	require.Equal(t, "cleared 1 received", out)
}

func TestEchoRunUnsubscribesOnCancel(t *testing.T) {
	testlog.Start(t)
	reg := bus.NewRegistry(bus.NewManual())
	echo := NewEcho(reg, "ping")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- echo.Run(ctx) }()
	require.Eventually(t, func() bool { return reg.IsTopic("ping") }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("echo did not stop")
	}
	if reg.IsTopic("ping") {
		t.Fatalf("expected ping topic removed after stop")
	}
}

func TestTimerGroupsRequestersAndTicks(t *testing.T) {
	testlog.Start(t)
	exec := bus.NewManual()
	reg := bus.NewRegistry(exec)

	timer := NewTimer(reg, "timer", time.Hour)
	timer.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.True(t, timer.Start())
	if timer.Tick() {
		t.Fatalf("tick without members must not send")
	}

	caller, got := newClient(t, reg)
	_, err := caller.Send("timer", "join", 0)
	require.NoError(t, err)
	exec.RunPending()
	require.True(t, reg.IsTopic("timer_data"))
	require.Contains(t, caller.Topics(), "timer_data")

	require.True(t, timer.Tick())
	exec.RunPending()
	require.Len(t, *got, 1)
	require.Equal(t, "1700000000", (*got)[0].Text())
	require.Equal(t, "timer_data", (*got)[0].Topic())

	// only the owner may add members
	require.False(t, caller.AddToGroup("timer_data", caller.Mailbox()))

	out, err := timer.Actions()["close"]()
	require.NoError(t, err)
	require.Equal(t, "closed timer_data", out)
	exec.RunPending()
	require.False(t, reg.IsTopic("timer_data"))

	status, _ := timer.Status()
	require.Equal(t, TimerStatus{Topic: "timer", Group: "timer_data", Interval: "1h0m0s", Joined: 1, Ticks: 1}, status)
}
