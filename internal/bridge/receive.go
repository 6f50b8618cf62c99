package bridge

import (
	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/protocol"
)

// ReceiveChannels applies a topic-set update from the peer. Updates are
// applied in cycle detect mode too; a cycled peer stops advertising on its own.
func (b *Bridge) ReceiveChannels(op protocol.ChannelOp, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	switch op {
	case protocol.ChannelsReplace:
		b.reg.UnsubscribeAllTopics(b, false)
		b.subscribeLocked(topics)
	case protocol.ChannelsAdd:
		b.subscribeLocked(topics)
	case protocol.ChannelsErase:
		for _, topic := range topics {
			b.reg.Unsubscribe(topic, b)
		}
	default:
		log.Warn().Str("bridge", b.name).Stringer("op", op).Msg("bridge.channels unknown op")
	}
}

func (b *Bridge) subscribeLocked(topics []string) {
	for _, topic := range topics {
		if !b.filter.AllowOutgoing(topic) {
			continue
		}
		b.reg.Subscribe(topic, b)
	}
}

// ReceiveReset forgets what was advertised and sends the full view again,
// including the serial.
func (b *Bridge) ReceiveReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.resetLocked()
}

func (b *Bridge) resetLocked() {
	b.lastAdvertised = nil
	b.lastSerial = ""
	b.advertiseLocked()
}

// ReceiveNewSession handles a peer restart: its subscriptions and serial
// claims are discarded and the full view is sent again.
func (b *Bridge) ReceiveNewSession(version uint64) {
	if version > protocol.ProtocolVersion {
		log.Warn().Str("bridge", b.name).Uint64("peer_version", version).Uint64("local_version", protocol.ProtocolVersion).
			Msg("bridge.new_session peer speaks a newer protocol")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.dropPeerLocked()
	b.resetLocked()
}

// dropPeerLocked forgets everything learned from the current peer session.
func (b *Bridge) dropPeerLocked() {
	b.reg.ReleaseSerial(b)
	if b.cycleDetect {
		b.cycleDetect = false
		observability.RecordCycleTransition(b.reg.Name(), false)
	}
	b.reg.UnsubscribeAllTopics(b, false)
}

func (b *Bridge) ReceiveNoRoute(sender, receiver string) {
	b.reg.ClearReturnPath(b, sender, receiver)
}

// ReceiveAddToGroup adds target to a group owned by this bridge. A rejected
// or failed request is answered with an erase of the group so the peer drops
// its membership.
func (b *Bridge) ReceiveAddToGroup(group, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !b.filter.AllowIncomingAddToGroup(group, target) || !b.reg.AddToGroup(b, group, target) {
		log.Debug().Str("bridge", b.name).Str("group", group).Str("target", target).Msg("bridge.add_to_group refused")
		b.out.SendChannels(protocol.ChannelsErase, []string{group})
	}
}

func (b *Bridge) ReceiveCloseGroup(group string) {
	b.mu.Lock()
	allowed := !b.closed && b.filter.AllowIncomingCloseGroup(group)
	b.mu.Unlock()
	if allowed {
		b.reg.CloseGroup(b, group)
	}
}

// ReceiveGroupEmpty drops this bridge from a group whose remote side has no
// members left.
func (b *Bridge) ReceiveGroupEmpty(group string) {
	b.reg.Unsubscribe(group, b)
}

// ReceiveUpdateSerial runs the cycle tie-break. A bridge that closes a loop
// back to the winner stops advertising and drops its subscriptions until the
// loop goes away, while still relaying individual messages.
func (b *Bridge) ReceiveUpdateSerial(candidate string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	inCycle := !b.reg.SetSerial(b, candidate)
	if inCycle == b.cycleDetect {
		return
	}
	b.cycleDetect = inCycle
	observability.RecordCycleTransition(b.reg.Name(), inCycle)
	log.Info().Str("node", b.reg.Name()).Str("bridge", b.name).Bool("cycle_detect", inCycle).Str("serial", candidate).
		Msg("bridge.cycle_detect changed")
	if inCycle {
		b.advertiseLocked()
		b.reg.UnsubscribeAllTopics(b, false)
		return
	}
	// the peer may still be in cycle mode; make sure it hears our serial again
	b.lastSerial = ""
	b.advertiseLocked()
	b.out.SendReset()
}

// ReceiveMessage routes an inbound message, answering no_route when nothing
// local or downstream can take it.
func (b *Bridge) ReceiveMessage(msg *message.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	filter := b.filter
	b.mu.Unlock()

	if topic := msg.Topic(); b.reg.IsTopic(topic) && !filter.AllowIncoming(topic) {
		return
	}
	if b.reg.DispatchFromBridge(b, msg, true) {
		return
	}
	if msg.Sender() == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.out.SendNoRoute(msg.Sender(), msg.Topic())
	}
}
