package bridge

import "github.com/danmuck/meshbus/internal/message"

// OnMessage forwards a local delivery to the peer. Mailbox traffic bypasses
// the topic filter.
func (b *Bridge) OnMessage(msg *message.Message, direct bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !direct && !b.filter.AllowOutgoing(msg.Topic()) {
		return
	}
	b.out.SendMessage(msg)
}

func (b *Bridge) OnNoRoute(sender, receiver string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.out.SendNoRoute(sender, receiver)
	}
}

func (b *Bridge) OnAddToGroup(group, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed && b.filter.AllowOutgoingAddToGroup(group, target) {
		b.out.SendAddToGroup(group, target)
	}
}

func (b *Bridge) OnCloseGroup(group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed && b.filter.AllowOutgoingCloseGroup(group) {
		b.out.SendCloseGroup(group)
	}
}

func (b *Bridge) OnGroupEmpty(group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.out.SendGroupEmpty(group)
	}
}

// Resync is called by transports after every (re)connect. Whatever the
// previous connection taught the bridge is dropped, then a fresh session is
// announced and the full view resent.
func (b *Bridge) Resync(version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.dropPeerLocked()
	b.out.SendNewSession(version)
	b.resetLocked()
}
