package registry

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/discovery"
	"github.com/1ureka/rudp/internal/session"
)

// Config tunes a Registry and the sessions it creates.
type Config struct {
	Session session.Config

	HandshakeTimeout     time.Duration // Default Connect timeout and responder entry lifetime
	HelloInterval        time.Duration // HELLO retry period while a Connect waits
	HelloRate            rate.Limit    // Replies per second to unsolicited HELLOs
	HelloBurst           int           // Burst for HelloRate
	MaxPendingHandshakes int           // Cap on the handshake table

	STUNServers      []string
	DiscoveryTimeout time.Duration

	ReadBufferSize int

	// Clock drives every timer; nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Session:              session.DefaultConfig(),
		HandshakeTimeout:     3 * time.Second,
		HelloInterval:        250 * time.Millisecond,
		HelloRate:            20,
		HelloBurst:           10,
		MaxPendingHandshakes: 256,
		STUNServers:          discovery.DefaultServers,
		DiscoveryTimeout:     discovery.DefaultTimeout,
		ReadBufferSize:       64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HelloInterval <= 0 {
		c.HelloInterval = d.HelloInterval
	}
	if c.HelloRate <= 0 {
		c.HelloRate = d.HelloRate
	}
	if c.HelloBurst <= 0 {
		c.HelloBurst = d.HelloBurst
	}
	if c.MaxPendingHandshakes <= 0 {
		c.MaxPendingHandshakes = d.MaxPendingHandshakes
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = d.STUNServers
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}
