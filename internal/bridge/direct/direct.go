// Package direct joins two registries in one process with a pair of bridges
// that hand frames to each other through the executors.
package direct

import (
	"github.com/danmuck/meshbus/internal/bridge"
	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/protocol"
)

// Pair is two connected bridges; A lives in the first registry, B in the
// second.
type Pair struct {
	A *bridge.Bridge
	B *bridge.Bridge
}

// Connect creates and starts a bridge pair. Every frame one side emits is
// scheduled as the matching receive on the other side's executor.
func Connect(regA *bus.Registry, execA bus.Executor, regB *bus.Registry, execB bus.Executor, opts ...Option) *Pair {
	o := options{nameA: regA.Name() + "->" + regB.Name(), nameB: regB.Name() + "->" + regA.Name()}
	for _, opt := range opts {
		opt(&o)
	}
	toB := &hop{exec: execB}
	toA := &hop{exec: execA}
	p := &Pair{
		A: bridge.New(regA, toB, bridge.WithName(o.nameA), bridge.WithFilter(o.filterA)),
		B: bridge.New(regB, toA, bridge.WithName(o.nameB), bridge.WithFilter(o.filterB)),
	}
	toB.peer = p.B
	toA.peer = p.A
	p.A.Start()
	p.B.Start()
	return p
}

// Close tears both sides down.
func (p *Pair) Close() {
	p.A.Close()
	p.B.Close()
}

type Option func(*options)

type options struct {
	nameA, nameB     string
	filterA, filterB bridge.Filter
}

func WithNames(a, b string) Option {
	return func(o *options) {
		o.nameA = a
		o.nameB = b
	}
}

func WithFilters(a, b bridge.Filter) Option {
	return func(o *options) {
		o.filterA = a
		o.filterB = b
	}
}

// hop is the Outbound of one side, delivering into the peer bridge.
type hop struct {
	exec bus.Executor
	peer *bridge.Bridge
}

func (h *hop) SendMessage(msg *message.Message) {
	h.exec.Schedule(func() { h.peer.ReceiveMessage(msg) })
}

func (h *hop) SendChannels(op protocol.ChannelOp, topics []string) {
	topics = append([]string(nil), topics...)
	h.exec.Schedule(func() { h.peer.ReceiveChannels(op, topics) })
}

func (h *hop) SendReset() {
	h.exec.Schedule(h.peer.ReceiveReset)
}

func (h *hop) SendNoRoute(sender, receiver string) {
	h.exec.Schedule(func() { h.peer.ReceiveNoRoute(sender, receiver) })
}

func (h *hop) SendAddToGroup(group, target string) {
	h.exec.Schedule(func() { h.peer.ReceiveAddToGroup(group, target) })
}

func (h *hop) SendCloseGroup(group string) {
	h.exec.Schedule(func() { h.peer.ReceiveCloseGroup(group) })
}

func (h *hop) SendGroupEmpty(group string) {
	h.exec.Schedule(func() { h.peer.ReceiveGroupEmpty(group) })
}

func (h *hop) SendUpdateSerial(serial string) {
	h.exec.Schedule(func() { h.peer.ReceiveUpdateSerial(serial) })
}

func (h *hop) SendNewSession(version uint64) {
	h.exec.Schedule(func() { h.peer.ReceiveNewSession(version) })
}
