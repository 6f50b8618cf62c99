package bus

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/danmuck/meshbus/internal/message"
)

var ErrTypeMismatch = errors.New("bus: listener does not satisfy the subscriber capability")

// Listener receives deliveries from a Registry. Implementations are used as
// map keys, so they must be comparable (typically a pointer).
//
// Every callback runs on the Registry's Executor, never inside a Registry
// call. Callbacks may arrive after the listener was torn down and must then
// be ignored.
type Listener interface {
	// OnMessage delivers msg. direct is true when the topic was this
	// listener's mailbox.
	OnMessage(msg *message.Message, direct bool)
	// OnNoRoute reports that receiver is unreachable on behalf of sender.
	OnNoRoute(sender, receiver string)
	OnAddToGroup(group, target string)
	OnCloseGroup(group string)
	// OnGroupEmpty is sent to a group owner when its last member left.
	OnGroupEmpty(group string)
}

// ValidateListener checks that l can be used as a subscriber identity.
func ValidateListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil", ErrTypeMismatch)
	}
	v := reflect.ValueOf(l)
	if !v.Type().Comparable() {
		return fmt.Errorf("%w: %T is not comparable", ErrTypeMismatch, l)
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return fmt.Errorf("%w: nil %T", ErrTypeMismatch, l)
	}
	return nil
}

// ListenerFuncs adapts plain functions to Listener. Nil fields ignore the
// corresponding event. Use it by pointer.
type ListenerFuncs struct {
	Message    func(msg *message.Message, direct bool)
	NoRoute    func(sender, receiver string)
	AddToGroup func(group, target string)
	CloseGroup func(group string)
	GroupEmpty func(group string)
}

func (f *ListenerFuncs) OnMessage(msg *message.Message, direct bool) {
	if f.Message != nil {
		f.Message(msg, direct)
	}
}

func (f *ListenerFuncs) OnNoRoute(sender, receiver string) {
	if f.NoRoute != nil {
		f.NoRoute(sender, receiver)
	}
}

func (f *ListenerFuncs) OnAddToGroup(group, target string) {
	if f.AddToGroup != nil {
		f.AddToGroup(group, target)
	}
}

func (f *ListenerFuncs) OnCloseGroup(group string) {
	if f.CloseGroup != nil {
		f.CloseGroup(group)
	}
}

func (f *ListenerFuncs) OnGroupEmpty(group string) {
	if f.GroupEmpty != nil {
		f.GroupEmpty(group)
	}
}
