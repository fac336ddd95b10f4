// Package config loads rudp settings from a TOML file on top of defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"github.com/1ureka/rudp/internal/messaging"
	"github.com/1ureka/rudp/internal/registry"
	"github.com/1ureka/rudp/internal/session"
)

// Role is a tunnel endpoint's role.
type Role string

const (
	RoleHost   Role = "host"   // Forwards peer connections to a local TCP service
	RoleClient Role = "client" // Exposes the host's service on a local port
)

// Tunnel holds the TCP port-forwarding settings.
type Tunnel struct {
	Role   Role
	Target string // Host: the TCP service to forward to
	Local  string // Client: local listen address for the virtual service
	Peer   string // Client: the host's rudp address
}

// Config is the complete runtime configuration.
type Config struct {
	Listen         string
	Debug          bool
	StatsInterval  time.Duration
	MaxMessageSize int
	Registry       registry.Config
	Tunnel         Tunnel
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:         "0.0.0.0:0",
		StatsInterval:  10 * time.Second,
		MaxMessageSize: messaging.MaxSize,
		Registry:       registry.DefaultConfig(),
	}
}

type fileSession struct {
	MTU                 int    `toml:"mtu"`
	Window              int    `toml:"window"`
	RetransmitInterval  string `toml:"retransmit_interval"`
	StatusInterval      string `toml:"status_interval"`
	ResendRetryInterval string `toml:"resend_retry_interval"`
	ResendRetries       int    `toml:"resend_retries"`
	MaxCacheBytes       int    `toml:"max_cache_bytes"`
	MaxCacheEntries     int    `toml:"max_cache_entries"`
	MaxCacheGap         int    `toml:"max_cache_gap"`
}

type fileTunnel struct {
	Role   string `toml:"role"`
	Target string `toml:"target"`
	Local  string `toml:"local"`
	Peer   string `toml:"peer"`
}

type fileConfig struct {
	Listen               string      `toml:"listen"`
	Debug                bool        `toml:"debug"`
	StatsInterval        string      `toml:"stats_interval"`
	MaxMessageSize       int         `toml:"max_message_size"`
	STUNServers          []string    `toml:"stun_servers"`
	DiscoveryTimeout     string      `toml:"discovery_timeout"`
	HandshakeTimeout     string      `toml:"handshake_timeout"`
	HelloInterval        string      `toml:"hello_interval"`
	HelloRate            float64     `toml:"hello_rate"`
	HelloBurst           int         `toml:"hello_burst"`
	MaxPendingHandshakes int         `toml:"max_pending_handshakes"`
	Session              fileSession `toml:"session"`
	Tunnel               fileTunnel  `toml:"tunnel"`
}

// Load reads path and overlays every key it defines on Default().
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("stun_servers") {
		cfg.Registry.STUNServers = normalizeList(raw.STUNServers)
	}
	if meta.IsDefined("hello_rate") {
		cfg.Registry.HelloRate = rate.Limit(raw.HelloRate)
	}
	if meta.IsDefined("hello_burst") {
		cfg.Registry.HelloBurst = raw.HelloBurst
	}
	if meta.IsDefined("max_pending_handshakes") {
		cfg.Registry.MaxPendingHandshakes = raw.MaxPendingHandshakes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"stats_interval", raw.StatsInterval, &cfg.StatsInterval},
		{"discovery_timeout", raw.DiscoveryTimeout, &cfg.Registry.DiscoveryTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Registry.HandshakeTimeout},
		{"hello_interval", raw.HelloInterval, &cfg.Registry.HelloInterval},
		{"session.retransmit_interval", raw.Session.RetransmitInterval, &cfg.Registry.Session.RetransmitInterval},
		{"session.status_interval", raw.Session.StatusInterval, &cfg.Registry.Session.StatusInterval},
		{"session.resend_retry_interval", raw.Session.ResendRetryInterval, &cfg.Registry.Session.ResendRetryInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		raw int
		dst *int
	}{
		{"mtu", raw.Session.MTU, &cfg.Registry.Session.MTU},
		{"window", raw.Session.Window, &cfg.Registry.Session.Window},
		{"resend_retries", raw.Session.ResendRetries, &cfg.Registry.Session.ResendRetries},
		{"max_cache_bytes", raw.Session.MaxCacheBytes, &cfg.Registry.Session.MaxCacheBytes},
		{"max_cache_entries", raw.Session.MaxCacheEntries, &cfg.Registry.Session.MaxCacheEntries},
		{"max_cache_gap", raw.Session.MaxCacheGap, &cfg.Registry.Session.MaxCacheGap},
	}
	for _, i := range ints {
		if meta.IsDefined("session", i.key) {
			*i.dst = i.raw
		}
	}

	if meta.IsDefined("tunnel", "role") {
		cfg.Tunnel.Role = Role(strings.ToLower(strings.TrimSpace(raw.Tunnel.Role)))
	}
	if meta.IsDefined("tunnel", "target") {
		cfg.Tunnel.Target = strings.TrimSpace(raw.Tunnel.Target)
	}
	if meta.IsDefined("tunnel", "local") {
		cfg.Tunnel.Local = strings.TrimSpace(raw.Tunnel.Local)
	}
	if meta.IsDefined("tunnel", "peer") {
		cfg.Tunnel.Peer = strings.TrimSpace(raw.Tunnel.Peer)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that the runtime cannot recover from.
func (c Config) Validate() error {
	var errs []error
	if c.MaxMessageSize < 0 || c.MaxMessageSize > messaging.MaxSize {
		errs = append(errs, fmt.Errorf("max_message_size must be within [0, %d]", messaging.MaxSize))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, errors.New("stats_interval must not be negative"))
	}
	if c.Registry.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("handshake_timeout must not be negative"))
	}
	if err := c.Registry.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	switch c.Tunnel.Role {
	case "", RoleHost, RoleClient:
	default:
		errs = append(errs, fmt.Errorf("tunnel.role must be %q or %q, got %q", RoleHost, RoleClient, c.Tunnel.Role))
	}
	return errors.Join(errs...)
}

// SessionConfig is a shortcut for the session tuning.
func (c Config) SessionConfig() session.Config {
	return c.Registry.Session
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
