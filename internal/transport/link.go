package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/bridge"
	"github.com/danmuck/meshbus/internal/bridge/binbridge"
	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/protocol/session"
)

type LinkConfig struct {
	// Addr is "host:port", "tcp://host:port", "ws://..." or "wss://...".
	Addr    string
	Name    string
	Session session.Config
	Bridge  binbridge.Config
}

// LinkStatus is reported by the admin API.
type LinkStatus struct {
	Name      string       `json:"name"`
	Addr      string       `json:"addr"`
	Kind      string       `json:"kind"`
	Connected bool         `json:"connected"`
	Connects  uint64       `json:"connects"`
	Queued    int          `json:"queued"`
	Dropped   uint64       `json:"dropped"`
	Bridge    bridge.State `json:"bridge"`
}

// Link keeps one outbound peer connected, redialing with backoff. Its bridge
// lives as long as the Link, so frames produced while the peer is away are
// queued and delivered after the next connect.
type Link struct {
	cfg     LinkConfig
	kind    string
	node    string
	pipe    *pipe
	bridge  *binbridge.Bridge
	backoff *session.Backoff

	connected atomic.Bool
	connects  atomic.Uint64
}

func NewLink(reg *bus.Registry, exec bus.Executor, cfg LinkConfig) (*Link, error) {
	kind, _, err := ParseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Session.TLS.Enabled {
		if err := cfg.Session.ValidateClientTransport(); err != nil {
			return nil, err
		}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Addr
	}
	if cfg.Bridge.Name == "" {
		cfg.Bridge.Name = cfg.Name
	}
	p := newPipe(reg.Name(), cfg.Name, cfg.Session)
	return &Link{
		cfg:     cfg,
		kind:    kind,
		node:    reg.Name(),
		pipe:    p,
		bridge:  binbridge.New(reg, exec, p, cfg.Bridge),
		backoff: session.NewBackoff(cfg.Session.Backoff, time.Now().UnixNano()),
	}, nil
}

func (l *Link) Name() string {
	return l.cfg.Name
}

func (l *Link) Bridge() *binbridge.Bridge {
	return l.bridge
}

func (l *Link) Connected() bool {
	return l.connected.Load()
}

func (l *Link) Status() LinkStatus {
	return LinkStatus{
		Name:      l.cfg.Name,
		Addr:      l.cfg.Addr,
		Kind:      l.kind,
		Connected: l.connected.Load(),
		Connects:  l.connects.Load(),
		Queued:    l.pipe.queue.Len(),
		Dropped:   l.pipe.queue.Dropped(),
		Bridge:    l.bridge.State(),
	}
}

// Run keeps the link up until ctx ends, then closes the bridge. It returns
// nil on cancellation.
func (l *Link) Run(ctx context.Context) error {
	l.bridge.Start()
	defer l.bridge.Close()

	for {
		conn, err := Dial(ctx, l.cfg.Addr, l.cfg.Session)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.RecordTransportEvent(l.node, l.kind, "dial_error")
			delay := l.backoff.Next()
			log.Warn().Str("node", l.node).Str("peer", l.cfg.Name).Int("attempt", l.backoff.Attempts()).
				Dur("retry_in", delay).Err(err).Msg("transport.link dial failed")
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		l.backoff.Reset()
		l.serve(ctx, conn)
		if !sleepCtx(ctx, l.backoff.Next()) {
			return nil
		}
	}
}

func (l *Link) serve(ctx context.Context, conn Conn) {
	l.connects.Add(1)
	l.connected.Store(true)
	observability.RecordTransportEvent(l.node, conn.Kind(), "connect")
	log.Info().Str("node", l.node).Str("peer", l.cfg.Name).Str("remote", conn.RemoteAddr()).Msg("transport.link connected")

	l.bridge.OnConnect()
	err := l.pipe.run(ctx, conn, l.bridge)

	l.connected.Store(false)
	observability.RecordTransportEvent(l.node, conn.Kind(), "disconnect")
	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("node", l.node).Str("peer", l.cfg.Name).Int("queued", l.pipe.queue.Len()).Msg("transport.link disconnected")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
