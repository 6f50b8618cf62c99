package config

import (
	"github.com/danmuck/meshbus/internal/bridge"
	"github.com/danmuck/meshbus/internal/bridge/binbridge"
	"github.com/danmuck/meshbus/internal/protocol/session"
	"github.com/danmuck/meshbus/internal/transport"
)

// Disabled turns off a listener when used as listen_addr or admin_addr.
const Disabled = "off"

func (c NodeConfig) ListenEnabled() bool { return c.ListenAddr != Disabled }
func (c NodeConfig) AdminEnabled() bool  { return c.AdminAddr != Disabled }

// SessionConfig converts the [session] table; unset fields take the
// session package defaults.
func (c NodeConfig) SessionConfig() session.Config {
	s := c.Session
	out := session.Config{
		ConnectTimeout:    s.ConnectTimeout.Std(),
		HandshakeTimeout:  s.HandshakeTimeout.Std(),
		WriteTimeout:      s.WriteTimeout.Std(),
		HeartbeatInterval: s.HeartbeatInterval.Std(),
		SessionDeadAfter:  s.SessionDeadAfter.Std(),
		SendQueueLimit:    s.SendQueueLimit,
		TLS: session.TLSConfig{
			Enabled:            s.TLS.Enabled,
			CertFile:           s.TLS.CertFile,
			KeyFile:            s.TLS.KeyFile,
			CAFile:             s.TLS.CAFile,
			ServerName:         s.TLS.ServerName,
			InsecureSkipVerify: s.TLS.InsecureSkipVerify,
		},
	}
	if s.BackoffInitial > 0 {
		def := session.DefaultConfig().Backoff
		out.Backoff = session.BackoffConfig{
			InitialDelay: s.BackoffInitial.Std(),
			Multiplier:   s.BackoffMultiplier,
			MaxDelay:     s.BackoffMax.Std(),
			Jitter:       def.Jitter,
		}
		if out.Backoff.Multiplier < 1 {
			out.Backoff.Multiplier = def.Multiplier
		}
		if out.Backoff.MaxDelay < out.Backoff.InitialDelay {
			out.Backoff.MaxDelay = max(def.MaxDelay, out.Backoff.InitialDelay)
		}
		if s.BackoffJitter != nil {
			out.Backoff.Jitter = *s.BackoffJitter
		}
	}
	return out.WithDefaults()
}

// Filter returns nil when no pattern is configured so the bridge keeps its
// allow-all default.
func (f FilterConfig) Filter() bridge.Filter {
	if len(f.Incoming) == 0 && len(f.Outgoing) == 0 {
		return nil
	}
	return bridge.TopicFilter{Incoming: f.Incoming, Outgoing: f.Outgoing}
}

func (c NodeConfig) BridgeConfig(name string, f FilterConfig) binbridge.Config {
	return binbridge.Config{
		Name:               name,
		Filter:             f.Filter(),
		MalformedPerSecond: c.Malformed.PerSecond,
		MalformedBurst:     c.Malformed.Burst,
	}
}

func (c NodeConfig) LinkConfigs() []transport.LinkConfig {
	sess := c.SessionConfig()
	out := make([]transport.LinkConfig, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, transport.LinkConfig{
			Addr:    p.Addr,
			Name:    p.Name,
			Session: sess,
			Bridge:  c.BridgeConfig(p.Name, p.Filter),
		})
	}
	return out
}

// ServerConfig applies the top-level [filter] to every accepted peer. Bridge
// names are assigned per connection by the server.
func (c NodeConfig) ServerConfig() transport.ServerConfig {
	return transport.ServerConfig{
		Session: c.SessionConfig(),
		Bridge:  c.BridgeConfig("", c.Filter),
	}
}
