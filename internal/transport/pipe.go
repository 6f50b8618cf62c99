package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/meshbus/internal/bridge/binbridge"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/protocol/session"
)

// pipe owns the outbound queue of one bridge and pumps frames between the
// bridge and a connection. Frames sent while no connection is running stay
// queued and are flushed in order by the next run.
type pipe struct {
	node  string
	peer  string
	cfg   session.Config
	queue *session.SendQueue
	wake  chan struct{}
	// lost is set when the queue dropped a frame and cleared once the bridge
	// has been told to resend its view.
	lost atomic.Bool
}

func newPipe(node, peer string, cfg session.Config) *pipe {
	return &pipe{
		node:  node,
		peer:  peer,
		cfg:   cfg,
		queue: session.NewSendQueue(cfg.SendQueueLimit),
		wake:  make(chan struct{}, 1),
	}
}

// Send implements binbridge.Sink.
func (p *pipe) Send(frame []byte) {
	if p.queue.Push(frame) {
		p.lost.Store(true)
		observability.RecordSendQueueDrop(p.node, p.peer)
		log.Warn().Str("node", p.node).Str("peer", p.peer).Uint64("dropped_total", p.queue.Dropped()).
			Msg("transport.queue full, dropped oldest frame")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run serves conn until it fails or ctx ends and always closes conn. A nil
// return means ctx ended.
func (p *pipe) run(ctx context.Context, conn Conn, b *binbridge.Bridge) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return p.readLoop(gctx, conn, b) })
	g.Go(func() error { return p.writeLoop(gctx, conn, b) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *pipe) readLoop(ctx context.Context, conn Conn, b *binbridge.Bridge) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.SessionDeadAfter))
		data, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := b.Dispatch(data); errors.Is(err, binbridge.ErrTooManyMalformed) {
			return err
		}
	}
}

// writeLoop is the only writer of conn. Heartbeat pings keep the peer's read
// deadline from expiring on an idle link.
func (p *pipe) writeLoop(ctx context.Context, conn Conn, b *binbridge.Bridge) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := p.flush(conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if p.lost.CompareAndSwap(true, false) {
			log.Info().Str("node", p.node).Str("peer", p.peer).Msg("transport.queue recovered, resending view")
			b.Overflowed()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
			b.Ping()
		}
	}
}

func (p *pipe) flush(conn Conn) error {
	frames := p.queue.Drain()
	for i, f := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		if err := conn.WriteFrame(f); err != nil {
			before := p.queue.Dropped()
			p.queue.Requeue(frames[i:])
			if p.queue.Dropped() != before {
				p.lost.Store(true)
			}
			return err
		}
	}
	return nil
}
