package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/danmuck/meshbus/internal/protocol/frame"
	"github.com/danmuck/meshbus/internal/protocol/session"
)

var (
	ErrAddressRequired   = errors.New("transport: peer address required")
	ErrUnsupportedScheme = errors.New("transport: unsupported address scheme")
)

// ParseAddr splits a peer address into its connection kind and dial target.
// Bare "host:port" and "tcp://host:port" use stream framing; "ws://" and
// "wss://" URLs use websocket and keep the full URL as target.
func ParseAddr(addr string) (kind, target string, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", ErrAddressRequired
	}
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return KindTCP, addr, nil
	}
	switch strings.ToLower(scheme) {
	case "tcp":
		return KindTCP, rest, nil
	case "ws", "wss":
		if _, err := url.Parse(addr); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
		}
		return KindWebSocket, addr, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Dial connects to addr and completes the transport handshake.
func Dial(ctx context.Context, addr string, cfg session.Config) (Conn, error) {
	cfg = cfg.WithDefaults()
	kind, target, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if kind == KindWebSocket {
		return dialWebSocket(ctx, target, cfg)
	}
	return dialStream(ctx, target, cfg)
}

func dialStream(ctx context.Context, addr string, cfg session.Config) (Conn, error) {
	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		tlsConn := tls.Client(raw, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = raw.Close()
			return nil, err
		}
		raw = tlsConn
	}
	conn := newStreamConn(raw, frame.DefaultLimits())
	if _, err := conn.handshake(cfg.HandshakeTimeout); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func dialWebSocket(ctx context.Context, rawURL string, cfg session.Config) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	if u.Scheme == "wss" && cfg.TLS.Enabled {
		port := u.Port()
		if port == "" {
			port = "443"
		}
		tlsCfg, err := cfg.ClientTLSConfig(net.JoinHostPort(u.Hostname(), port))
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, frame.DefaultLimits()), nil
}
