package session

import (
	"fmt"
	"time"

	"github.com/1ureka/rudp/internal/protocol"
)

// Config tunes the reliability engine of a Session.
type Config struct {
	MTU                 int           // Largest datagram, header included
	Window              int           // Max unacknowledged DATA packets
	RetransmitInterval  time.Duration // Per-packet unconditional retransmit period
	StatusInterval      time.Duration // STATUS announcement period while data is outstanding
	ResendRetryInterval time.Duration // RESEND_REQUEST retry period while a gap is open
	ResendRetries       int           // RESEND_REQUEST retries per gap
	MaxCacheBytes       int           // Out-of-order cache byte cap
	MaxCacheEntries     int           // Out-of-order cache entry cap
	MaxCacheGap         int           // Furthest admissible offset ahead of the receive counter
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MTU:                 protocol.DefaultMTU,
		Window:              4,
		RetransmitInterval:  70 * time.Millisecond,
		StatusInterval:      100 * time.Millisecond,
		ResendRetryInterval: 50 * time.Millisecond,
		ResendRetries:       5,
		MaxCacheBytes:       32 * 1024,
		MaxCacheEntries:     64,
		MaxCacheGap:         16 * 1024,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.RetransmitInterval == 0 {
		c.RetransmitInterval = d.RetransmitInterval
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.ResendRetryInterval == 0 {
		c.ResendRetryInterval = d.ResendRetryInterval
	}
	if c.ResendRetries == 0 {
		c.ResendRetries = d.ResendRetries
	}
	if c.MaxCacheBytes == 0 {
		c.MaxCacheBytes = d.MaxCacheBytes
	}
	if c.MaxCacheEntries == 0 {
		c.MaxCacheEntries = d.MaxCacheEntries
	}
	if c.MaxCacheGap == 0 {
		c.MaxCacheGap = d.MaxCacheGap
	}
	return c
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.MTU <= protocol.HeaderSize || c.MTU > 65507:
		return fmt.Errorf("mtu %d out of range (%d, 65507]", c.MTU, protocol.HeaderSize)
	case c.Window < 1:
		return fmt.Errorf("window must be positive, got %d", c.Window)
	case (c.MTU-protocol.HeaderSize)*c.Window >= protocol.SeqLimit/2:
		return fmt.Errorf("window of %d packets spans half the sequence space", c.Window)
	case c.RetransmitInterval < 0 || c.StatusInterval < 0 || c.ResendRetryInterval < 0:
		return fmt.Errorf("intervals must not be negative")
	case c.MaxCacheGap >= protocol.SeqLimit/2:
		return fmt.Errorf("max cache gap %d must stay below %d", c.MaxCacheGap, protocol.SeqLimit/2)
	case c.MaxCacheBytes < 0 || c.MaxCacheEntries < 0 || c.ResendRetries < 0:
		return fmt.Errorf("cache caps and retries must not be negative")
	}
	return nil
}

// payloadSize is the largest DATA payload.
func (c Config) payloadSize() int {
	return c.MTU - protocol.HeaderSize
}
