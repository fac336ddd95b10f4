// Package discovery learns a socket's public address with STUN binding
// requests sent through that same socket.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/gate"
	"github.com/1ureka/rudp/internal/util"
)

// DefaultTimeout bounds a single binding request.
const DefaultTimeout = 3 * time.Second

// DefaultServers are public STUN servers. No TURN: peers must reach each
// other directly.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

var (
	// ErrTimeout is returned when no response arrived in time.
	ErrTimeout = errors.New("stun request timed out")
	// ErrNoAddress is returned when a response carried no mapped address.
	ErrNoAddress = errors.New("stun response has no mapped address")
	// ErrClosed is returned for requests outstanding when the client closes.
	ErrClosed = errors.New("discovery client closed")
)

// SendFunc writes one datagram to addr.
type SendFunc func(p []byte, addr net.Addr) error

type result struct {
	addr *net.UDPAddr
	err  error
}

type waiter struct {
	gate *gate.Gate
	ch   chan result
}

// Client matches STUN responses fed through Handle to outstanding requests.
type Client struct {
	clock clock.Clock

	mu      sync.Mutex
	waiters map[[stun.TransactionIDSize]byte]*waiter
	closed  bool
}

// New returns a Client timing requests with c.
func New(c clock.Clock) *Client {
	if c == nil {
		c = clock.Real()
	}
	return &Client{
		clock:   c,
		waiters: make(map[[stun.TransactionIDSize]byte]*waiter),
	}
}

// IsMessage reports whether raw looks like a STUN message.
func IsMessage(raw []byte) bool {
	return stun.IsMessage(raw)
}

// Request sends a binding request to server and waits for the reflexive
// address. A timeout of zero means DefaultTimeout.
func (c *Client) Request(ctx context.Context, send SendFunc, server net.Addr, timeout time.Duration) (*net.UDPAddr, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}
	id := msg.TransactionID

	w := &waiter{ch: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	w.gate = gate.New(c.clock, timeout, func() {
		c.forget(id)
		w.ch <- result{err: fmt.Errorf("%w: %s after %s", ErrTimeout, server, timeout)}
	})
	c.waiters[id] = w
	c.mu.Unlock()

	if err := send(msg.Raw, server); err != nil {
		if w.gate.Enter() {
			c.forget(id)
		}
		return nil, fmt.Errorf("send binding request to %s: %w", server, err)
	}

	select {
	case res := <-w.ch:
		return res.addr, res.err
	case <-ctx.Done():
		if w.gate.Enter() {
			c.forget(id)
		}
		return nil, ctx.Err()
	}
}

// Handle consumes raw if it is a STUN message and reports whether it did.
func (c *Client) Handle(raw []byte) bool {
	if !stun.IsMessage(raw) {
		return false
	}

	m := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := m.Decode(); err != nil {
		util.LogDebug("discarding malformed stun message: %v", err)
		return true
	}

	c.mu.Lock()
	w, ok := c.waiters[m.TransactionID]
	delete(c.waiters, m.TransactionID)
	c.mu.Unlock()

	if !ok || !w.gate.Enter() {
		util.LogDebug("stun response %x came back too late", m.TransactionID[:4])
		return true
	}
	w.ch <- parse(m)
	return true
}

// Close fails every outstanding request.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	waiters := c.waiters
	c.waiters = make(map[[stun.TransactionIDSize]byte]*waiter)
	c.mu.Unlock()

	for _, w := range waiters {
		if w.gate.Enter() {
			w.ch <- result{err: ErrClosed}
		}
	}
}

func (c *Client) forget(id [stun.TransactionIDSize]byte) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func parse(m *stun.Message) result {
	if m.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(m); err == nil {
			return result{err: fmt.Errorf("stun error response: %d %s", code.Code, code.Reason)}
		}
		return result{err: errors.New("stun error response")}
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return result{addr: &net.UDPAddr{IP: xor.IP, Port: xor.Port}}
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(m); err == nil {
		return result{addr: &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}}
	}
	return result{err: ErrNoAddress}
}
