package bus

import (
	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/observability"
)

// Send builds a message from l's mailbox and routes it. A nil l sends
// anonymously. The error is only set when the message cannot be built; an
// unroutable message returns false, nil.
func (r *Registry) Send(l Listener, topicName string, payload any, conversationID uint64) (bool, error) {
	sender := ""
	if l != nil {
		if err := ValidateListener(l); err != nil {
			return false, err
		}
		sender = r.Mailbox(l)
	}
	msg, err := message.New(sender, topicName, payload, conversationID)
	if err != nil {
		return false, err
	}
	return r.route(l, msg), nil
}

// DispatchFromBridge routes a message that arrived through bridge. When
// registerReturnPath is set and the sender is not a local mailbox, replies to
// the sender are routed back through bridge.
func (r *Registry) DispatchFromBridge(bridge Listener, msg *message.Message, registerReturnPath bool) bool {
	if msg == nil || ValidateListener(bridge) != nil {
		return false
	}
	if registerReturnPath && msg.Sender() != "" {
		r.mu.Lock()
		if _, local := r.listenerByMailbox[msg.Sender()]; !local {
			r.returnPaths.Add(msg.Sender(), bridge)
		}
		r.mu.Unlock()
	}
	return r.route(bridge, msg)
}

// ClearReturnPath handles a routing-loss notice that arrived through bridge:
// receiver is no longer reachable that way. When receiver's return path goes
// through bridge it is dropped and the notice is passed on toward sender.
// Otherwise only a local sender is told. It reports whether anything matched.
func (r *Registry) ClearReturnPath(bridge Listener, sender, receiver string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var notify Listener
	matched := false
	if via, ok := r.returnPaths.Peek(receiver); ok && via == bridge {
		r.returnPaths.Remove(receiver)
		matched = true
		if back, ok := r.returnPaths.Peek(sender); ok && back != bridge {
			notify = back
		}
	}
	if notify == nil {
		if l, ok := r.listenerByMailbox[sender]; ok {
			notify = l
			matched = true
		}
	}
	if notify != nil {
		r.exec.Schedule(func() { notify.OnNoRoute(sender, receiver) })
	}
	return matched
}

// route picks recipients in precedence order: mailbox, topic, return path.
func (r *Registry) route(origin Listener, msg *message.Message) bool {
	name := msg.Topic()
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.listenerByMailbox[name]; ok {
		r.exec.Schedule(func() { l.OnMessage(msg, true) })
		observability.RecordRouted(r.name, "direct")
		return true
	}
	if t, ok := r.topics[name]; ok && (t.owner == nil || t.owner == origin) {
		for member := range t.members {
			if member == origin {
				continue
			}
			l := member
			r.exec.Schedule(func() { l.OnMessage(msg, false) })
		}
		observability.RecordRouted(r.name, "topic")
		return true
	}
	if l, ok := r.returnPaths.Get(name); ok {
		r.exec.Schedule(func() { l.OnMessage(msg, false) })
		observability.RecordRouted(r.name, "return_path")
		return true
	}
	observability.RecordUndelivered(r.name)
	log.Debug().Str("node", r.name).Str("topic", name).Str("sender", msg.Sender()).Msg("bus.route undelivered")
	return false
}
