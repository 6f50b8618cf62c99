// Package binbridge binds the bridge protocol to the binary frame format so
// it can run over any transport that moves whole frames.
package binbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/danmuck/meshbus/internal/bridge"
	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/protocol"
)

var (
	ErrMalformedFrame   = errors.New("binbridge: malformed frame")
	ErrTooManyMalformed = errors.New("binbridge: malformed frame budget exceeded")
)

// Sink is the transport side of a bridge. Send must not block; transports
// queue frames while disconnected.
type Sink interface {
	Send(frame []byte)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame []byte)

func (f SinkFunc) Send(frame []byte) { f(frame) }

// Config tunes a transport bridge.
type Config struct {
	Name   string
	Filter bridge.Filter
	// MalformedPerSecond and MalformedBurst bound how many undecodable frames
	// are tolerated before Dispatch asks the transport to reset.
	MalformedPerSecond float64
	MalformedBurst     int
}

func DefaultConfig() Config {
	return Config{
		Name:               "binbridge",
		MalformedPerSecond: 1,
		MalformedBurst:     10,
	}
}

// Bridge is a bridge.Bridge that speaks protocol frames.
type Bridge struct {
	*bridge.Bridge
	exec      bus.Executor
	enc       *encoder
	malformed *rate.Limiter
}

func New(reg *bus.Registry, exec bus.Executor, sink Sink, cfg Config) *Bridge {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MalformedPerSecond <= 0 {
		cfg.MalformedPerSecond = def.MalformedPerSecond
	}
	if cfg.MalformedBurst <= 0 {
		cfg.MalformedBurst = def.MalformedBurst
	}
	enc := &encoder{sink: sink, node: reg.Name(), bridge: cfg.Name}
	return &Bridge{
		Bridge:    bridge.New(reg, enc, bridge.WithName(cfg.Name), bridge.WithFilter(cfg.Filter)),
		exec:      exec,
		enc:       enc,
		malformed: rate.NewLimiter(rate.Limit(cfg.MalformedPerSecond), cfg.MalformedBurst),
	}
}

// OnConnect is called by the transport each time the link comes up.
func (b *Bridge) OnConnect() {
	b.Resync(protocol.ProtocolVersion)
}

// Overflowed is called by the transport once it has flushed after dropping
// queued frames. The full view is resent from the executor since any of the
// dropped frames may have been a channels update.
func (b *Bridge) Overflowed() {
	b.exec.Schedule(b.Resend)
}

// Ping asks the peer for a pong; transports use it as a keepalive.
func (b *Bridge) Ping() {
	b.enc.send(protocol.PingFrame{})
}

// Dispatch decodes one inbound frame and schedules its handling on the
// executor. Pings are answered immediately. A malformed frame is dropped and
// reported; ErrTooManyMalformed means the transport should reset the link.
func (b *Bridge) Dispatch(data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return b.reject(err)
	}
	observability.RecordFrame(b.enc.node, "in", f.Type().String())

	switch fr := f.(type) {
	case protocol.PingFrame:
		b.enc.send(protocol.PongFrame{})
	case protocol.PongFrame:
	case protocol.MessageFrame:
		msg, err := message.New(fr.Sender, fr.Topic, fr.Payload, fr.ConversationID)
		if err != nil {
			return b.reject(err)
		}
		b.exec.Schedule(func() { b.ReceiveMessage(msg) })
	case protocol.ChannelsFrame:
		b.exec.Schedule(func() { b.ReceiveChannels(fr.Op, fr.Topics) })
	case protocol.ResetFrame:
		b.exec.Schedule(b.ReceiveReset)
	case protocol.NoRouteFrame:
		b.exec.Schedule(func() { b.ReceiveNoRoute(fr.Sender, fr.Receiver) })
	case protocol.AddToGroupFrame:
		b.exec.Schedule(func() { b.ReceiveAddToGroup(fr.Group, fr.Target) })
	case protocol.CloseGroupFrame:
		b.exec.Schedule(func() { b.ReceiveCloseGroup(fr.Group) })
	case protocol.GroupEmptyFrame:
		b.exec.Schedule(func() { b.ReceiveGroupEmpty(fr.Group) })
	case protocol.NewSessionFrame:
		b.exec.Schedule(func() { b.ReceiveNewSession(fr.Version) })
	case protocol.UpdateSerialFrame:
		b.exec.Schedule(func() { b.ReceiveUpdateSerial(fr.Serial) })
	default:
		return b.reject(fmt.Errorf("%w: %s", protocol.ErrUnknownType, f.Type()))
	}
	return nil
}

func (b *Bridge) reject(cause error) error {
	observability.RecordMalformedFrame(b.enc.node)
	log.Warn().Str("node", b.enc.node).Str("bridge", b.enc.bridge).Err(cause).Msg("binbridge.dispatch dropped frame")
	if !b.malformed.AllowN(time.Now(), 1) {
		return fmt.Errorf("%w: %w", ErrTooManyMalformed, cause)
	}
	return fmt.Errorf("%w: %w", ErrMalformedFrame, cause)
}

// encoder implements bridge.Outbound by encoding frames into the sink.
type encoder struct {
	sink   Sink
	node   string
	bridge string
}

func (e *encoder) send(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		log.Error().Str("node", e.node).Str("bridge", e.bridge).Err(err).Msg("binbridge.encode failed")
		return
	}
	observability.RecordFrame(e.node, "out", f.Type().String())
	e.sink.Send(data)
}

func (e *encoder) SendMessage(msg *message.Message) {
	e.send(protocol.MessageFrame{
		ConversationID: msg.ConversationID(),
		Sender:         msg.Sender(),
		Topic:          msg.Topic(),
		Payload:        msg.Bytes(),
	})
}

func (e *encoder) SendChannels(op protocol.ChannelOp, topics []string) {
	e.send(protocol.ChannelsFrame{Op: op, Topics: topics})
}

func (e *encoder) SendReset() {
	e.send(protocol.ResetFrame{})
}

func (e *encoder) SendNoRoute(sender, receiver string) {
	e.send(protocol.NoRouteFrame{Sender: sender, Receiver: receiver})
}

func (e *encoder) SendAddToGroup(group, target string) {
	e.send(protocol.AddToGroupFrame{Group: group, Target: target})
}

func (e *encoder) SendCloseGroup(group string) {
	e.send(protocol.CloseGroupFrame{Group: group})
}

func (e *encoder) SendGroupEmpty(group string) {
	e.send(protocol.GroupEmptyFrame{Group: group})
}

func (e *encoder) SendUpdateSerial(serial string) {
	e.send(protocol.UpdateSerialFrame{Serial: serial})
}

func (e *encoder) SendNewSession(version uint64) {
	e.send(protocol.NewSessionFrame{Version: version})
}
