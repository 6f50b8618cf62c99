package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/config"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/services"
	"github.com/danmuck/meshbus/internal/transport"
)

const (
	Version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("node: already running")

// Service is a running meshbus node.
type Service struct {
	cfg      config.NodeConfig
	loop     *bus.Loop
	reg      *bus.Registry
	server   *transport.Server
	links    []*transport.Link
	services *services.ServiceRegistry
	router   *gin.Engine
	started  time.Time

	running    atomic.Bool
	ready      atomic.Bool
	readyCh    chan struct{}
	listenAddr string
	adminAddr  string
}

var _ Node = (*Service)(nil)

// New builds the node from a validated config. Nothing is bound or dialed
// until Run.
func New(cfg config.NodeConfig) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := config.ValidateNodeConfig(cfg); err != nil {
		return nil, err
	}
	observability.RegisterMetrics()

	loop := bus.NewLoop()
	opts := []bus.Option{bus.WithName(cfg.ID), bus.WithReturnPathLimit(cfg.ReturnPathLimit)}
	if cfg.Serial != "" {
		opts = append(opts, bus.WithSerial(cfg.Serial))
	}
	reg := bus.NewRegistry(loop, opts...)

	srvCfg := cfg.ServerConfig()
	srvCfg.CheckOrigin = originChecker(cfg.CorsOrigins)

	s := &Service{
		cfg:      cfg,
		loop:     loop,
		reg:      reg,
		server:   transport.NewServer(reg, loop, srvCfg),
		services: services.NewServiceRegistry(),
		started:  time.Now(),
		readyCh:  make(chan struct{}),
	}
	for _, lc := range cfg.LinkConfigs() {
		link, err := transport.NewLink(reg, loop, lc)
		if err != nil {
			return nil, fmt.Errorf("node: peer %q: %w", lc.Name, err)
		}
		s.links = append(s.links, link)
	}
	if cfg.EchoTopic != "" {
		s.services.Register(services.NewEcho(reg, cfg.EchoTopic))
	}
	if cfg.TimerTopic != "" {
		s.services.Register(services.NewTimer(reg, cfg.TimerTopic, cfg.TimerInterval.Std()))
	}
	s.router = newRouter(cfg)
	s.RegisterRoutes()
	return s, nil
}

func (s *Service) NodeID() string            { return s.cfg.ID }
func (s *Service) Kind() string              { return "meshbus" }
func (s *Service) HTTPRouter() *gin.Engine   { return s.router }
func (s *Service) Registry() *bus.Registry   { return s.reg }
func (s *Service) Links() []*transport.Link  { return s.links }
func (s *Service) Server() *transport.Server { return s.server }

// Ready is closed once every listener is bound.
func (s *Service) Ready() <-chan struct{} {
	return s.readyCh
}

// ListenAddr and AdminAddr report the bound addresses after Ready.
func (s *Service) ListenAddr() string { return s.listenAddr }
func (s *Service) AdminAddr() string  { return s.adminAddr }

// Run binds the listeners and serves until ctx ends. Listener errors are
// returned before anything starts; errors from shutdown are combined with
// the run error.
func (s *Service) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}
	var streamLn, adminLn net.Listener
	if s.cfg.ListenEnabled() {
		ln, err := s.server.Listen(s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("node: listen %s: %w", s.cfg.ListenAddr, err)
		}
		streamLn = ln
		s.listenAddr = ln.Addr().String()
	}
	if s.cfg.AdminEnabled() {
		ln, err := net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			if streamLn != nil {
				_ = streamLn.Close()
			}
			return fmt.Errorf("node: admin listen %s: %w", s.cfg.AdminAddr, err)
		}
		adminLn = ln
		s.adminAddr = ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop.Run(gctx) })
	if streamLn != nil {
		g.Go(func() error { return s.server.Serve(gctx, streamLn) })
	}
	var hs *http.Server
	if adminLn != nil {
		hs = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		serveErr := make(chan error, 1)
		go func() { serveErr <- hs.Serve(adminLn) }()
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-serveErr:
				return fmt.Errorf("node: admin serve: %w", err)
			}
		})
	}
	for _, link := range s.links {
		g.Go(func() error { return link.Run(gctx) })
	}
	for _, svc := range s.services.All() {
		g.Go(func() error { return svc.Run(gctx) })
	}

	s.ready.Store(true)
	close(s.readyCh)
	log.Info().
		Str("node", s.cfg.ID).
		Str("serial", s.reg.LocalSerial()).
		Str("listen", s.listenAddr).
		Str("admin", s.adminAddr).
		Int("peers", len(s.links)).
		Msg("node started")

	err := g.Wait()
	s.ready.Store(false)
	err = multierr.Append(err, s.shutdown(hs))
	log.Info().Str("node", s.cfg.ID).Err(err).Msg("node stopped")
	return err
}

func (s *Service) shutdown(hs *http.Server) error {
	var err error
	if hs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := hs.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("node: admin shutdown: %w", shutdownErr))
		}
	}
	s.server.Close()
	s.loop.Close()
	return err
}

// originChecker admits websocket upgrades without an Origin header (peer
// nodes) and browser origins listed for CORS.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{})
	for _, o := range normalizeOrigins(origins) {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
