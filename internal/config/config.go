package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/meshbus/internal/transport"
)

const (
	DefaultNodeID     = "meshbus"
	DefaultListenAddr = ":7400"
	DefaultAdminAddr  = ":7401"
)

// NodeConfig is the meshbusd configuration file.
type NodeConfig struct {
	ID string `toml:"id"`
	// Serial pins the registry serial; empty generates one at startup.
	Serial string `toml:"serial"`
	// ListenAddr and AdminAddr accept Disabled ("off").
	ListenAddr      string   `toml:"listen_addr"`
	AdminAddr       string   `toml:"admin_addr"`
	CorsOrigins     []string `toml:"cors_origins"`
	TrustedProxies  []string `toml:"trusted_proxies"`
	ReturnPathLimit int      `toml:"return_path_limit"`
	// EchoTopic and TimerTopic enable the demo services; empty disables.
	EchoTopic     string          `toml:"echo_topic"`
	TimerTopic    string          `toml:"timer_topic"`
	TimerInterval Duration        `toml:"timer_interval"`
	Filter        FilterConfig    `toml:"filter"`
	Session       SessionConfig   `toml:"session"`
	Malformed     MalformedConfig `toml:"malformed"`
	Peers         []PeerConfig    `toml:"peers"`
}

// PeerConfig is one outbound link.
type PeerConfig struct {
	Name   string       `toml:"name"`
	Addr   string       `toml:"addr"`
	Filter FilterConfig `toml:"filter"`
}

// FilterConfig lists allowed topics per direction. A trailing '*' matches a
// prefix; an empty list allows everything.
type FilterConfig struct {
	Incoming []string `toml:"incoming"`
	Outgoing []string `toml:"outgoing"`
}

type SessionConfig struct {
	ConnectTimeout    Duration  `toml:"connect_timeout"`
	HandshakeTimeout  Duration  `toml:"handshake_timeout"`
	WriteTimeout      Duration  `toml:"write_timeout"`
	HeartbeatInterval Duration  `toml:"heartbeat_interval"`
	SessionDeadAfter  Duration  `toml:"session_dead_after"`
	SendQueueLimit    int       `toml:"send_queue_limit"`
	BackoffInitial    Duration  `toml:"backoff_initial"`
	BackoffMax        Duration  `toml:"backoff_max"`
	BackoffMultiplier float64   `toml:"backoff_multiplier"`
	BackoffJitter     *bool     `toml:"backoff_jitter"`
	TLS               TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// MalformedConfig bounds how many undecodable frames a peer may send before
// its connection is dropped.
type MalformedConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// Duration reads "1.5s" style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type envOverrides struct {
	NodeID     string   `env:"MESHBUS_NODE_ID"`
	ListenAddr string   `env:"MESHBUS_LISTEN_ADDR"`
	AdminAddr  string   `env:"MESHBUS_ADMIN_ADDR"`
	Peers      []string `env:"MESHBUS_PEERS" envSeparator:","`
}

// LoadNodeConfig reads path (skipped when empty), applies MESHBUS_*
// environment overrides and defaults, then validates.
func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if strings.TrimSpace(path) != "" {
		if err := loadToml(path, &cfg); err != nil {
			return NodeConfig{}, err
		}
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return NodeConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// ParseNodeConfig is LoadNodeConfig over an in-memory document, without
// environment overrides.
func ParseNodeConfig(data []byte) (NodeConfig, error) {
	var cfg NodeConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays set variables from environ onto cfg. A nil environ reads
// the process environment. MESHBUS_PEERS replaces the peer list; entries are
// "addr" or "name=addr".
func ApplyEnv(cfg *NodeConfig, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config env overrides: %w", err)
	}
	if v := strings.TrimSpace(o.NodeID); v != "" {
		cfg.ID = v
	}
	if v := strings.TrimSpace(o.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(o.AdminAddr); v != "" {
		cfg.AdminAddr = v
	}
	if len(o.Peers) > 0 {
		peers := make([]PeerConfig, 0, len(o.Peers))
		for _, entry := range o.Peers {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			var p PeerConfig
			if name, addr, ok := strings.Cut(entry, "="); ok {
				p.Name, p.Addr = strings.TrimSpace(name), strings.TrimSpace(addr)
			} else {
				p.Addr = entry
			}
			peers = append(peers, p)
		}
		cfg.Peers = peers
	}
	return nil
}

func (c NodeConfig) WithDefaults() NodeConfig {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = DefaultNodeID
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.AdminAddr == "" {
		c.AdminAddr = DefaultAdminAddr
	}
	for i := range c.Peers {
		c.Peers[i].Addr = strings.TrimSpace(c.Peers[i].Addr)
		if strings.TrimSpace(c.Peers[i].Name) == "" {
			c.Peers[i].Name = c.Peers[i].Addr
		}
	}
	return c
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if !cfg.ListenEnabled() && !cfg.AdminEnabled() && len(cfg.Peers) == 0 {
		return fmt.Errorf("node config has no listeners and no peers")
	}
	if cfg.ReturnPathLimit < 0 {
		return fmt.Errorf("return_path_limit must not be negative")
	}
	if cfg.Malformed.PerSecond < 0 || cfg.Malformed.Burst < 0 {
		return fmt.Errorf("malformed budget must not be negative")
	}
	if cfg.Session.SendQueueLimit < 0 {
		return fmt.Errorf("session send_queue_limit must not be negative")
	}
	if cfg.ListenEnabled() && cfg.Session.TLS.Enabled {
		if err := cfg.SessionConfig().ValidateServerTransport(); err != nil {
			return fmt.Errorf("session tls invalid: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if err := ValidatePeerEntry(p); err != nil {
			return fmt.Errorf("peer[%d] invalid: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("peer[%d] invalid: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

func ValidatePeerEntry(p PeerConfig) error {
	if strings.TrimSpace(p.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if _, _, err := transport.ParseAddr(p.Addr); err != nil {
		return err
	}
	return nil
}
