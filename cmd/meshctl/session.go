package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/config"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/transport"
)

const pollInterval = 20 * time.Millisecond

// busSession is a private registry joined to one node through a Link. Every
// message delivered to the session client lands on msgs.
type busSession struct {
	reg    *bus.Registry
	link   *transport.Link
	client *bus.Client
	msgs   chan *message.Message

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

func openSession(ctx context.Context, p config.ClientProfile) (*busSession, error) {
	loop := bus.NewLoop()
	reg := bus.NewRegistry(loop, bus.WithName(p.Name))
	link, err := transport.NewLink(reg, loop, p.LinkConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s := &busSession{
		reg:    reg,
		link:   link,
		msgs:   make(chan *message.Message, 256),
		ctx:    gctx,
		cancel: cancel,
		g:      g,
	}
	s.client = bus.NewClient(reg, bus.ListenerFuncs{
		Message: func(msg *message.Message, _ bool) {
			select {
			case s.msgs <- msg:
			case <-gctx.Done():
			}
		},
	})
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })
	return s, nil
}

// Close stops the link and the loop and waits for both.
func (s *busSession) Close() error {
	s.client.Close()
	s.cancel()
	return s.g.Wait()
}

// waitConnected blocks until the link is up or timeout passes.
func (s *busSession) waitConnected(timeout time.Duration) error {
	return s.poll(timeout, s.link.Connected, func() error {
		return fmt.Errorf("could not reach %s within %v", s.link.Status().Addr, timeout)
	})
}

// waitTopic blocks until the node has advertised a subscriber for topic.
func (s *busSession) waitTopic(topic string, timeout time.Duration) error {
	changed := make(chan struct{}, 1)
	unregister := s.reg.RegisterMonitor(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unregister()

	ready := func() bool { return s.reg.IsTopic(topic) }
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !ready() {
		select {
		case <-changed:
		case <-timer.C:
			if !s.link.Connected() {
				return fmt.Errorf("could not reach %s within %v", s.link.Status().Addr, timeout)
			}
			return fmt.Errorf("no subscribers for %q", topic)
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return nil
}

// drain waits for queued frames to be handed to the connection.
func (s *busSession) drain(timeout time.Duration) error {
	err := s.poll(timeout, func() bool { return s.link.Status().Queued == 0 }, func() error {
		return fmt.Errorf("frames still queued for %s after %v", s.link.Status().Addr, timeout)
	})
	if err != nil {
		return err
	}
	time.Sleep(pollInterval)
	return nil
}

func (s *busSession) poll(timeout time.Duration, ok func() bool, fail func() error) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for !ok() {
		select {
		case <-tick.C:
		case <-deadline.C:
			return fail()
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return nil
}
