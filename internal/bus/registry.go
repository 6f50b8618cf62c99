// Package bus implements the local subscriber registry: topics, mailboxes,
// return paths, exclusive groups and the serial tie-break shared with
// bridges.
package bus

import (
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/idgen"
)

// DefaultReturnPathLimit bounds the return-path table; the least recently
// used entry is evicted beyond it.
const DefaultReturnPathLimit = 4096

type topic struct {
	members map[Listener]struct{}
	owner   Listener
}

type serialState struct {
	my      string
	current string
	source  Listener
}

// Registry owns all topic, mailbox and return-path state of one node. It is
// safe for concurrent use; listeners are only ever invoked through the
// Executor.
type Registry struct {
	name  string
	exec  Executor
	newID func(prefix string) string

	mu                sync.Mutex
	topics            map[string]*topic
	memberships       map[Listener]map[string]struct{}
	mailboxByListener map[Listener]string
	listenerByMailbox map[string]Listener
	returnPaths       *simplelru.LRU[string, Listener]
	serial            serialState

	monitors      map[uint64]func()
	nextMonitor   uint64
	notifyPending bool
}

type Option func(*options)

type options struct {
	name            string
	serial          string
	returnPathLimit int
	newID           func(prefix string) string
}

// WithName sets the node name used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithSerial overrides the generated tie-break serial.
func WithSerial(serial string) Option {
	return func(o *options) { o.serial = serial }
}

func WithReturnPathLimit(n int) Option {
	return func(o *options) { o.returnPathLimit = n }
}

// WithIDGenerator replaces idgen.Generate for mailbox names.
func WithIDGenerator(fn func(prefix string) string) Option {
	return func(o *options) { o.newID = fn }
}

// NewRegistry creates an empty registry that schedules every delivery on
// exec. It panics if exec is nil.
func NewRegistry(exec Executor, opts ...Option) *Registry {
	if exec == nil {
		panic("bus: nil executor")
	}
	o := options{returnPathLimit: DefaultReturnPathLimit, newID: idgen.Generate}
	for _, opt := range opts {
		opt(&o)
	}
	if o.serial == "" {
		o.serial = idgen.Serial()
	}
	if o.name == "" {
		o.name = "local"
	}
	if o.returnPathLimit <= 0 {
		o.returnPathLimit = DefaultReturnPathLimit
	}
	paths, err := simplelru.NewLRU[string, Listener](o.returnPathLimit, nil)
	if err != nil {
		panic(err)
	}
	return &Registry{
		name:              o.name,
		exec:              exec,
		newID:             o.newID,
		topics:            make(map[string]*topic),
		memberships:       make(map[Listener]map[string]struct{}),
		mailboxByListener: make(map[Listener]string),
		listenerByMailbox: make(map[string]Listener),
		returnPaths:       paths,
		serial:            serialState{my: o.serial, current: o.serial},
		monitors:          make(map[uint64]func()),
	}
}

// Name returns the node name given at construction.
func (r *Registry) Name() string {
	return r.name
}

// Executor returns the executor deliveries are scheduled on.
func (r *Registry) Executor() Executor {
	return r.exec
}

// Subscribe adds l to topic, creating the topic if needed. It fails if topic
// is a group owned by another listener.
func (r *Registry) Subscribe(topicName string, l Listener) bool {
	if topicName == "" || ValidateListener(l) != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.topics[topicName]
	if t != nil && t.owner != nil && t.owner != l {
		log.Debug().Str("node", r.name).Str("topic", topicName).Msg("bus.subscribe rejected: group owned by another listener")
		return false
	}
	if t == nil {
		t = &topic{members: make(map[Listener]struct{})}
		r.topics[topicName] = t
	}
	if _, ok := t.members[l]; ok {
		return true
	}
	r.addMemberLocked(topicName, t, l)
	r.notifyLocked()
	return true
}

// Unsubscribe removes l from topic. It reports whether l was a member.
func (r *Registry) Unsubscribe(topicName string, l Listener) bool {
	if ValidateListener(l) != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.removeMemberLocked(topicName, l) {
		return false
	}
	r.notifyLocked()
	return true
}

// UnsubscribeAllTopics removes l from every topic it joined. Groups are
// skipped unless includeGroups is set.
func (r *Registry) UnsubscribeAllTopics(l Listener, includeGroups bool) {
	if ValidateListener(l) != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribeTopicsLocked(l, includeGroups) {
		r.notifyLocked()
	}
}

// UnsubscribePrivate drops the mailbox of l.
func (r *Registry) UnsubscribePrivate(l Listener) {
	if ValidateListener(l) != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eraseMailboxLocked(l)
}

// UnsubscribeAll fully tears l down: mailbox, memberships, groups it owns,
// return paths through it and any serial it sourced. Deliveries already
// scheduled for l may still arrive.
func (r *Registry) UnsubscribeAll(l Listener) {
	if ValidateListener(l) != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eraseMailboxLocked(l)
	r.closeGroupsOwnedLocked(l)
	r.unsubscribeTopicsLocked(l, true)
	for _, key := range r.returnPaths.Keys() {
		if via, ok := r.returnPaths.Peek(key); ok && via == l {
			r.returnPaths.Remove(key)
		}
	}
	r.releaseSerialLocked(l)
	r.notifyLocked()
}

// IsTopic reports whether name is a live topic with at least one member.
func (r *Registry) IsTopic(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[name]
	return ok && len(t.members) > 0
}

// SubscribedTopics lists the topics l belongs to, sorted.
func (r *Registry) SubscribedTopics(l Listener) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.memberships[l]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActiveTopicsFor returns the sorted topics worth advertising to l: unowned
// topics with more than one member or whose sole member is not l.
func (r *Registry) ActiveTopicsFor(l Listener) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for name, t := range r.topics {
		if t.owner != nil {
			continue
		}
		if len(t.members) > 1 {
			out = append(out, name)
			continue
		}
		if _, self := t.members[l]; !self && len(t.members) == 1 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RandomTopicName returns prefix followed by a unique suffix.
func (r *Registry) RandomTopicName(prefix string) string {
	return r.newID(prefix)
}

// Mailbox returns the mailbox of l, creating it on first use.
func (r *Registry) Mailbox(l Listener) string {
	if ValidateListener(l) != nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mailboxLocked(l)
}

// MailboxOf returns the mailbox of l without creating one.
func (r *Registry) MailboxOf(l Listener) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.mailboxByListener[l]
	return name, ok
}

func (r *Registry) mailboxLocked(l Listener) string {
	if name, ok := r.mailboxByListener[l]; ok {
		return name
	}
	name := r.newID(idgen.MailboxPrefix)
	r.mailboxByListener[l] = name
	r.listenerByMailbox[name] = l
	return name
}

func (r *Registry) eraseMailboxLocked(l Listener) {
	name, ok := r.mailboxByListener[l]
	if !ok {
		return
	}
	delete(r.mailboxByListener, l)
	delete(r.listenerByMailbox, name)
}

func (r *Registry) addMemberLocked(name string, t *topic, l Listener) {
	t.members[l] = struct{}{}
	set := r.memberships[l]
	if set == nil {
		set = make(map[string]struct{})
		r.memberships[l] = set
	}
	set[name] = struct{}{}
}

// removeMemberLocked drops l from topic name and deletes the topic once it
// is empty, telling a group owner first.
func (r *Registry) removeMemberLocked(name string, l Listener) bool {
	t, ok := r.topics[name]
	if !ok {
		return false
	}
	if _, member := t.members[l]; !member {
		return false
	}
	delete(t.members, l)
	if set := r.memberships[l]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(r.memberships, l)
		}
	}
	if len(t.members) == 0 {
		if owner := t.owner; owner != nil {
			r.exec.Schedule(func() { owner.OnGroupEmpty(name) })
		}
		delete(r.topics, name)
	}
	return true
}

func (r *Registry) unsubscribeTopicsLocked(l Listener, includeGroups bool) bool {
	changed := false
	for name := range r.memberships[l] {
		if t := r.topics[name]; t != nil && t.owner != nil && !includeGroups {
			continue
		}
		if r.removeMemberLocked(name, l) {
			changed = true
		}
	}
	return changed
}
