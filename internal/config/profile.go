package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/meshbus/internal/protocol/session"
	"github.com/danmuck/meshbus/internal/transport"
)

const (
	DefaultClientName   = "meshctl"
	DefaultReplyTimeout = 2 * time.Second
)

// ClientProfile is what meshctl needs to reach a node.
type ClientProfile struct {
	Addr           string
	AdminAddr      string
	Name           string
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	TLS            session.TLSConfig
}

func DefaultClientProfile() ClientProfile {
	return ClientProfile{
		Addr:           "localhost" + DefaultListenAddr,
		AdminAddr:      "localhost" + DefaultAdminAddr,
		Name:           DefaultClientName,
		ConnectTimeout: session.DefaultConfig().ConnectTimeout,
		ReplyTimeout:   DefaultReplyTimeout,
	}
}

type fileProfile struct {
	Addr             string `toml:"addr"`
	AdminAddr        string `toml:"admin_addr"`
	Name             string `toml:"name"`
	ConnectTimeout   string `toml:"connect_timeout"`
	ConnectTimeoutMS int64  `toml:"connect_timeout_ms"`
	ReplyTimeout     string `toml:"reply_timeout"`
	ReplyTimeoutMS   int64  `toml:"reply_timeout_ms"`
	TLSEnabled       bool   `toml:"tls_enabled"`
	TLSCAFile        string `toml:"tls_ca_file"`
	TLSServerName    string `toml:"tls_server_name"`
	TLSInsecure      bool   `toml:"tls_insecure_skip_verify"`
}

// LoadClientProfile overlays the keys present in path onto the defaults.
// An empty path returns the defaults.
func LoadClientProfile(path string) (ClientProfile, error) {
	p := DefaultClientProfile()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientProfile{}, fmt.Errorf("load client profile: %w", err)
	}

	if meta.IsDefined("addr") {
		p.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		p.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			p.Name = name
		}
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return ClientProfile{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		p.ConnectTimeout = d
	}
	if meta.IsDefined("connect_timeout_ms") {
		p.ConnectTimeout = time.Duration(raw.ConnectTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("reply_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReplyTimeout))
		if err != nil {
			return ClientProfile{}, fmt.Errorf("parse reply_timeout: %w", err)
		}
		p.ReplyTimeout = d
	}
	if meta.IsDefined("reply_timeout_ms") {
		p.ReplyTimeout = time.Duration(raw.ReplyTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("tls_enabled") {
		p.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_ca_file") {
		p.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		p.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		p.TLS.InsecureSkipVerify = raw.TLSInsecure
	}

	if err := p.Validate(); err != nil {
		return ClientProfile{}, err
	}
	return p, nil
}

func (p ClientProfile) Validate() error {
	if p.Addr == "" {
		return fmt.Errorf("client profile: addr is required")
	}
	if _, _, err := transport.ParseAddr(p.Addr); err != nil {
		return fmt.Errorf("client profile: %w", err)
	}
	if p.ConnectTimeout < 0 || p.ReplyTimeout < 0 {
		return fmt.Errorf("client profile: timeouts must be non-negative")
	}
	return nil
}

// LinkConfig is the single outbound link meshctl dials. Reconnect backoff is
// kept short since the process is interactive.
func (p ClientProfile) LinkConfig() transport.LinkConfig {
	cfg := session.DefaultConfig()
	if p.ConnectTimeout > 0 {
		cfg.ConnectTimeout = p.ConnectTimeout
	}
	cfg.TLS = p.TLS
	cfg.Backoff.InitialDelay = 100 * time.Millisecond
	cfg.Backoff.MaxDelay = time.Second
	return transport.LinkConfig{
		Addr:    p.Addr,
		Name:    p.Addr,
		Session: cfg,
	}
}
