// Package bridge implements the topic-synchronization protocol between a
// local registry and one remote peer, independent of the transport.
package bridge

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/protocol"
)

// Outbound carries bridge frames to the peer. Calls are made with the bridge
// lock held and must not block or call back into the bridge.
type Outbound interface {
	SendMessage(msg *message.Message)
	SendChannels(op protocol.ChannelOp, topics []string)
	SendReset()
	SendNoRoute(sender, receiver string)
	SendAddToGroup(group, target string)
	SendCloseGroup(group string)
	SendGroupEmpty(group string)
	SendUpdateSerial(serial string)
	SendNewSession(version uint64)
}

// State is a point-in-time view of a bridge for admin endpoints.
type State struct {
	Name        string   `json:"name"`
	CycleDetect bool     `json:"cycle_detect"`
	Advertised  []string `json:"advertised"`
	Subscribed  []string `json:"subscribed"`
	LastSerial  string   `json:"last_serial"`
	Closed      bool     `json:"closed"`
}

// Bridge is a registry listener that proxies one remote peer.
type Bridge struct {
	reg  *bus.Registry
	out  Outbound
	name string

	mu             sync.Mutex
	filter         Filter
	lastAdvertised []string
	cycleDetect    bool
	lastSerial     string
	unregister     func()
	started        bool
	closed         bool
}

type Option func(*Bridge)

// WithName labels the bridge in logs, metrics and State.
func WithName(name string) Option {
	return func(b *Bridge) { b.name = name }
}

func WithFilter(f Filter) Option {
	return func(b *Bridge) {
		if f != nil {
			b.filter = f
		}
	}
}

func New(reg *bus.Registry, out Outbound, opts ...Option) *Bridge {
	b := &Bridge{reg: reg, out: out, filter: AllowAll{}, name: "bridge"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Name() string {
	return b.name
}

func (b *Bridge) Registry() *bus.Registry {
	return b.reg
}

// SetFilter swaps the filter; nil restores AllowAll. Takes effect on the next
// advertisement.
func (b *Bridge) SetFilter(f Filter) {
	if f == nil {
		f = AllowAll{}
	}
	b.mu.Lock()
	b.filter = f
	b.mu.Unlock()
	b.reg.ForceNotify()
}

// Start registers the monitor that keeps the peer's view current and sends
// the initial advertisement.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	unregister := b.reg.RegisterMonitor(b.Advertise)
	observability.AddActiveBridges(b.reg.Name(), 1)

	b.mu.Lock()
	b.unregister = unregister
	b.advertiseLocked()
	b.mu.Unlock()
	log.Debug().Str("node", b.reg.Name()).Str("bridge", b.name).Msg("bridge.start")
}

// Close detaches the bridge and removes all of its registry state.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unregister := b.unregister
	started := b.started
	b.unregister = nil
	b.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	b.reg.UnsubscribeAll(b)
	if started {
		observability.AddActiveBridges(b.reg.Name(), -1)
	}
	log.Debug().Str("node", b.reg.Name()).Str("bridge", b.name).Msg("bridge.close")
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Name:        b.name,
		CycleDetect: b.cycleDetect,
		Advertised:  slices.Clone(b.lastAdvertised),
		Subscribed:  b.reg.SubscribedTopics(b),
		LastSerial:  b.lastSerial,
		Closed:      b.closed,
	}
}

// Advertise sends the serial if it changed, then the minimal diff between the
// topics last advertised and the topics now active for the peer.
func (b *Bridge) Advertise() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.advertiseLocked()
}

// Resend forgets what was advertised and sends the serial and the full topic
// set again. An empty set goes out as an empty replace so the peer drops
// anything it still holds from lost updates.
func (b *Bridge) Resend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lastAdvertised = nil
	b.lastSerial = ""
	b.advertiseLocked()
	if len(b.lastAdvertised) == 0 {
		b.out.SendChannels(protocol.ChannelsReplace, nil)
	}
}

func (b *Bridge) advertiseLocked() {
	if serial := b.reg.GetSerial(b); serial != "" && serial != b.lastSerial {
		b.lastSerial = serial
		b.out.SendUpdateSerial(serial)
	}

	var wanted []string
	if !b.cycleDetect {
		for _, topic := range b.reg.ActiveTopicsFor(b) {
			if b.filter.AllowIncoming(topic) {
				wanted = append(wanted, topic)
			}
		}
	}

	if len(b.lastAdvertised) == 0 {
		if len(wanted) > 0 {
			b.out.SendChannels(protocol.ChannelsReplace, wanted)
		}
	} else {
		added, removed := diffSorted(wanted, b.lastAdvertised)
		if len(added) > 0 {
			b.out.SendChannels(protocol.ChannelsAdd, added)
		}
		if len(removed) > 0 {
			b.out.SendChannels(protocol.ChannelsErase, removed)
		}
	}
	b.lastAdvertised = wanted
}

// diffSorted returns next-prev and prev-next for two sorted slices.
func diffSorted(next, prev []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(next) && j < len(prev) {
		switch {
		case next[i] == prev[j]:
			i++
			j++
		case next[i] < prev[j]:
			added = append(added, next[i])
			i++
		default:
			removed = append(removed, prev[j])
			j++
		}
	}
	added = append(added, next[i:]...)
	removed = append(removed, prev[j:]...)
	return added, removed
}
