package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/bridge"
	"github.com/danmuck/meshbus/internal/bridge/binbridge"
	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/protocol/frame"
	"github.com/danmuck/meshbus/internal/protocol/session"
)

type ServerConfig struct {
	Session session.Config
	Bridge  binbridge.Config
	Limits  frame.Limits
	// CheckOrigin guards websocket upgrades; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// PeerStatus describes one accepted connection.
type PeerStatus struct {
	Name   string       `json:"name"`
	Kind   string       `json:"kind"`
	Remote string       `json:"remote"`
	Queued int          `json:"queued"`
	Bridge bridge.State `json:"bridge"`
}

type peer struct {
	name   string
	kind   string
	remote string
	pipe   *pipe
	bridge *binbridge.Bridge
}

// Server accepts peers and gives each connection its own bridge, which is
// closed when the connection ends.
type Server struct {
	reg      *bus.Registry
	exec     bus.Executor
	cfg      ServerConfig
	node     string
	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[io.Closer]struct{}

	peersMu sync.Mutex
	peers   map[*peer]struct{}

	active atomic.Int64
}

func NewServer(reg *bus.Registry, exec bus.Executor, cfg ServerConfig) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		reg:  reg,
		exec: exec,
		cfg:  cfg,
		node: reg.Name(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      checkOrigin,
		},
		conns: make(map[io.Closer]struct{}),
		peers: make(map[*peer]struct{}),
	}
}

// Listen opens a TCP listener, wrapped in TLS when the session config
// enables it.
func (s *Server) Listen(addr string) (net.Listener, error) {
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Serve accepts stream peers on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.Close()
		_ = ln.Close()
	}()

	log.Info().Str("node", s.node).Str("addr", ln.Addr().String()).Msg("transport.server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer s.untrackConn(raw)
	conn := newStreamConn(raw, s.cfg.Limits)
	if _, err := conn.handshake(s.cfg.Session.HandshakeTimeout); err != nil {
		observability.RecordTransportEvent(s.node, KindTCP, "handshake_error")
		log.Warn().Str("node", s.node).Str("remote", raw.RemoteAddr().String()).Err(err).Msg("transport.server handshake failed")
		_ = raw.Close()
		return
	}
	s.servePeer(ctx, conn)
}

// ServeWebSocket upgrades the request and serves it as a peer until the
// connection ends.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.RecordTransportEvent(s.node, KindWebSocket, "handshake_error")
		log.Warn().Str("node", s.node).Str("remote", r.RemoteAddr).Err(err).Msg("transport.server websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, s.cfg.Limits)
	s.trackConn(conn)
	defer s.untrackConn(conn)
	s.servePeer(context.WithoutCancel(r.Context()), conn)
}

func (s *Server) servePeer(ctx context.Context, conn Conn) {
	p := &peer{kind: conn.Kind(), remote: conn.RemoteAddr()}
	p.name = p.kind + "://" + p.remote
	p.pipe = newPipe(s.node, p.name, s.cfg.Session)
	bcfg := s.cfg.Bridge
	bcfg.Name = p.name
	p.bridge = binbridge.New(s.reg, s.exec, p.pipe, bcfg)

	s.peersMu.Lock()
	s.peers[p] = struct{}{}
	s.peersMu.Unlock()
	active := s.active.Add(1)
	observability.RecordTransportEvent(s.node, p.kind, "accept")
	log.Info().Str("node", s.node).Str("peer", p.name).Int64("active_peers", active).Msg("transport.server peer connected")

	p.bridge.Start()
	err := p.pipe.run(ctx, conn, p.bridge)
	p.bridge.Close()

	s.peersMu.Lock()
	delete(s.peers, p)
	s.peersMu.Unlock()
	remaining := s.active.Add(-1)
	observability.RecordTransportEvent(s.node, p.kind, "disconnect")
	event := log.Info()
	if err != nil && !errors.Is(err, io.EOF) {
		event = log.Warn().Err(err)
	}
	event.Str("node", s.node).Str("peer", p.name).Int64("active_peers", remaining).Msg("transport.server peer disconnected")
}

// Peers returns the connected peers sorted by name.
func (s *Server) Peers() []PeerStatus {
	s.peersMu.Lock()
	list := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		list = append(list, p)
	}
	s.peersMu.Unlock()

	out := make([]PeerStatus, 0, len(list))
	for _, p := range list {
		out = append(out, PeerStatus{
			Name:   p.name,
			Kind:   p.kind,
			Remote: p.remote,
			Queued: p.pipe.queue.Len(),
			Bridge: p.bridge.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActivePeers reports how many connections are being served.
func (s *Server) ActivePeers() int {
	return int(s.active.Load())
}

// Close drops every tracked connection. Serve calls it on shutdown; callers
// that only use ServeWebSocket call it themselves.
func (s *Server) Close() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Server) trackConn(conn io.Closer) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn io.Closer) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}
