package services

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
)

// Echo answers every message on its topic back to the sender's mailbox with
// the same payload and conversation id. Anonymous messages are only logged.
type Echo struct {
	topic  string
	client *bus.Client

	received  atomic.Uint64
	replied   atomic.Uint64
	anonymous atomic.Uint64
}

type EchoStatus struct {
	Topic     string `json:"topic"`
	Received  uint64 `json:"received"`
	Replied   uint64 `json:"replied"`
	Anonymous uint64 `json:"anonymous"`
}

func NewEcho(reg *bus.Registry, topic string) *Echo {
	e := &Echo{topic: topic}
	e.client = bus.NewClient(reg, bus.ListenerFuncs{Message: e.onMessage})
	return e
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Status() (any, error) {
	return EchoStatus{
		Topic:     e.topic,
		Received:  e.received.Load(),
		Replied:   e.replied.Load(),
		Anonymous: e.anonymous.Load(),
	}, nil
}

func (e *Echo) Actions() map[string]Action {
	return map[string]Action{
		"reset": func() (string, error) {
			n := e.received.Swap(0)
			e.replied.Store(0)
			e.anonymous.Store(0)
			return "cleared " + strconv.FormatUint(n, 10) + " received", nil
		},
	}
}

func (e *Echo) Start() bool {
	return e.client.Subscribe(e.topic)
}

func (e *Echo) Close() {
	e.client.Close()
}

func (e *Echo) Run(ctx context.Context) error {
	e.Start()
	log.Info().Str("node", e.client.Registry().Name()).Str("topic", e.topic).Msg("services.echo started")
	<-ctx.Done()
	e.Close()
	return nil
}

func (e *Echo) onMessage(msg *message.Message, direct bool) {
	if direct {
		return
	}
	e.received.Add(1)
	if msg.Sender() == "" {
		e.anonymous.Add(1)
		log.Info().Str("topic", msg.Topic()).Str("content", msg.String()).Msg("services.echo anonymous message")
		return
	}
	var payload any = msg.Bytes()
	if msg.Kind() == message.KindText {
		payload = msg.Text()
	}
	ok, err := e.client.Reply(msg, payload)
	if err != nil {
		log.Warn().Err(err).Str("sender", msg.Sender()).Msg("services.echo reply failed")
		return
	}
	if ok {
		e.replied.Add(1)
	}
}
