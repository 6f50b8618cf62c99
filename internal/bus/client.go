package bus

import (
	"sync/atomic"

	"github.com/danmuck/meshbus/internal/message"
)

// Client is a local listener bound to one registry. Handlers run on the
// registry's executor; events arriving after Close are dropped.
type Client struct {
	reg      *Registry
	handlers ListenerFuncs
	closed   atomic.Bool
}

func NewClient(reg *Registry, handlers ListenerFuncs) *Client {
	return &Client{reg: reg, handlers: handlers}
}

func (c *Client) Registry() *Registry {
	return c.reg
}

func (c *Client) Subscribe(topic string) bool {
	return c.reg.Subscribe(topic, c)
}

func (c *Client) Unsubscribe(topic string) bool {
	return c.reg.Unsubscribe(topic, c)
}

// Send routes payload to topic from this client's mailbox.
func (c *Client) Send(topic string, payload any, conversationID uint64) (bool, error) {
	return c.reg.Send(c, topic, payload, conversationID)
}

// Reply answers msg on its sender's address, keeping the conversation id.
func (c *Client) Reply(msg *message.Message, payload any) (bool, error) {
	return c.reg.Send(c, msg.Sender(), payload, msg.ConversationID())
}

func (c *Client) AddToGroup(group, targetID string) bool {
	return c.reg.AddToGroup(c, group, targetID)
}

func (c *Client) CloseGroup(group string) bool {
	return c.reg.CloseGroup(c, group)
}

// Mailbox returns this client's private address.
func (c *Client) Mailbox() string {
	return c.reg.Mailbox(c)
}

func (c *Client) Topics() []string {
	return c.reg.SubscribedTopics(c)
}

// Close removes the client from the registry.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.reg.UnsubscribeAll(c)
}

func (c *Client) OnMessage(msg *message.Message, direct bool) {
	if !c.closed.Load() {
		c.handlers.OnMessage(msg, direct)
	}
}

func (c *Client) OnNoRoute(sender, receiver string) {
	if !c.closed.Load() {
		c.handlers.OnNoRoute(sender, receiver)
	}
}

func (c *Client) OnAddToGroup(group, target string) {
	if !c.closed.Load() {
		c.handlers.OnAddToGroup(group, target)
	}
}

func (c *Client) OnCloseGroup(group string) {
	if !c.closed.Load() {
		c.handlers.OnCloseGroup(group)
	}
}

func (c *Client) OnGroupEmpty(group string) {
	if !c.closed.Load() {
		c.handlers.OnGroupEmpty(group)
	}
}
