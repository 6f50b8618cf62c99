package bridge

import "strings"

// Filter restricts what crosses a bridge. Topic-level hooks do not apply to
// mailbox (direct) traffic.
type Filter interface {
	// AllowIncoming reports whether messages on topic may enter the local
	// registry. Topics it rejects are not advertised to the peer.
	AllowIncoming(topic string) bool
	// AllowOutgoing reports whether local messages on topic may be sent to
	// the peer. The bridge only subscribes to topics it allows.
	AllowOutgoing(topic string) bool
	AllowIncomingAddToGroup(group, target string) bool
	AllowOutgoingAddToGroup(group, target string) bool
	AllowIncomingCloseGroup(group string) bool
	AllowOutgoingCloseGroup(group string) bool
}

// AllowAll is the default filter.
type AllowAll struct{}

func (AllowAll) AllowIncoming(string) bool                   { return true }
func (AllowAll) AllowOutgoing(string) bool                   { return true }
func (AllowAll) AllowIncomingAddToGroup(string, string) bool { return true }
func (AllowAll) AllowOutgoingAddToGroup(string, string) bool { return true }
func (AllowAll) AllowIncomingCloseGroup(string) bool         { return true }
func (AllowAll) AllowOutgoingCloseGroup(string) bool         { return true }

// TopicFilter allows topics by exact name or prefix in each direction. Empty
// lists allow everything; groups are always allowed.
type TopicFilter struct {
	Incoming []string
	Outgoing []string
}

func (f TopicFilter) AllowIncoming(topic string) bool { return matchAny(f.Incoming, topic) }
func (f TopicFilter) AllowOutgoing(topic string) bool { return matchAny(f.Outgoing, topic) }

func (TopicFilter) AllowIncomingAddToGroup(string, string) bool { return true }
func (TopicFilter) AllowOutgoingAddToGroup(string, string) bool { return true }
func (TopicFilter) AllowIncomingCloseGroup(string) bool         { return true }
func (TopicFilter) AllowOutgoingCloseGroup(string) bool         { return true }

// matchAny treats a trailing '*' as a prefix wildcard.
func matchAny(patterns []string, topic string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
			continue
		}
		if p == topic {
			return true
		}
	}
	return false
}
