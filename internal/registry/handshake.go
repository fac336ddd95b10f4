package registry

import (
	"context"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/gate"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/session"
	"github.com/1ureka/rudp/internal/util"
)

type connectResult struct {
	s   *session.Session
	err error
}

// handshake is a pending entry in the handshake table. An entry with a gate
// has local Connect callers waiting on it; one without is a responder entry
// created by an unsolicited HELLO.
type handshake struct {
	addr    net.Addr
	gate    *gate.Gate
	waiters []chan connectResult
	hello   clock.Timer // HELLO retries while local callers wait
	expiry  clock.Timer // lifetime of a responder entry
}

func (hs *handshake) resolve(s *session.Session, err error) {
	for _, w := range hs.waiters {
		w <- connectResult{s: s, err: err}
	}
	hs.waiters = nil
}

// Connect performs the handshake with address and returns the session. A
// timeout of zero uses the configured HandshakeTimeout. If a session with
// the peer already exists it is returned at once.
func (r *Registry) Connect(ctx context.Context, address string, timeout time.Duration) (*session.Session, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	return r.ConnectAddr(ctx, addr, timeout)
}

// ConnectAddr is Connect for an already-resolved address.
func (r *Registry) ConnectAddr(ctx context.Context, addr net.Addr, timeout time.Duration) (*session.Session, error) {
	if timeout <= 0 {
		timeout = r.cfg.HandshakeTimeout
	}

	w := make(chan connectResult, 1)
	key := r.hasher.Key(addr)
	if err := r.loop.Do(func() { r.beginConnect(key, addr, timeout, w) }); err != nil {
		return nil, ErrRegistryClosed
	}

	select {
	case res := <-w:
		return res.s, res.err
	case <-ctx.Done():
		r.loop.Post(func() { r.abandonConnect(key, w) })
		return nil, ctx.Err()
	}
}

// beginConnect runs on the loop.
func (r *Registry) beginConnect(key util.PeerKey, addr net.Addr, timeout time.Duration, w chan connectResult) {
	if r.closed {
		w <- connectResult{err: ErrRegistryClosed}
		return
	}
	if s, ok := r.sessions[key]; ok {
		w <- connectResult{s: s}
		return
	}

	hs, ok := r.pending[key]
	switch {
	case ok && hs.gate != nil:
		// Another local caller is already connecting; share its outcome.
		hs.waiters = append(hs.waiters, w)
		return
	case ok:
		// The peer has already said HELLO to us. Turn its responder entry
		// into ours.
		hs.expiry.Stop()
		hs.expiry = nil
	default:
		hs = &handshake{addr: addr}
		r.pending[key] = hs
	}

	if err := r.sendFrame(protocol.OpHello, addr); err != nil {
		delete(r.pending, key)
		w <- connectResult{err: fmt.Errorf("%w: %v", session.ErrTransientSend, err)}
		return
	}

	hs.waiters = append(hs.waiters, w)
	hs.gate = gate.New(r.clock, timeout, func() {
		r.loop.Post(func() { r.expireConnect(key, hs, timeout) })
	})
	hs.hello = clock.Repeat(r.clock, r.cfg.HelloInterval, func() {
		r.loop.Post(func() { r.retryHello(key, hs) })
	})
	util.LogDebug("[%s] HELLO -> %s", r.LocalAddr(), addr)
}

func (r *Registry) retryHello(key util.PeerKey, hs *handshake) {
	if r.pending[key] != hs || !hs.gate.Active() {
		return
	}
	if err := r.sendFrame(protocol.OpHello, hs.addr); err != nil {
		util.LogDebug("[%s] HELLO retry to %s failed: %v", r.LocalAddr(), hs.addr, err)
	}
}

// expireConnect runs on the loop after the gate fired.
func (r *Registry) expireConnect(key util.PeerKey, hs *handshake, timeout time.Duration) {
	r.clearHandshake(key, hs)
	util.LogWarning("[%s] handshake with %s timed out", r.LocalAddr(), hs.addr)
	hs.resolve(nil, fmt.Errorf("%w: %s after %s", ErrHandshakeTimeout, hs.addr, timeout))
}

// abandonConnect removes a cancelled caller. The handshake itself is dropped
// once nobody waits on it.
func (r *Registry) abandonConnect(key util.PeerKey, w chan connectResult) {
	hs, ok := r.pending[key]
	if !ok || hs.gate == nil {
		return
	}
	hs.waiters = slices.DeleteFunc(hs.waiters, func(c chan connectResult) bool { return c == w })
	if len(hs.waiters) == 0 && hs.gate.Enter() {
		r.clearHandshake(key, hs)
	}
}

// clearHandshake removes hs from the table and stops its timers.
func (r *Registry) clearHandshake(key util.PeerKey, hs *handshake) {
	if r.pending[key] == hs {
		delete(r.pending, key)
	}
	if hs.hello != nil {
		hs.hello.Stop()
	}
	if hs.expiry != nil {
		hs.expiry.Stop()
	}
	if hs.gate != nil {
		hs.gate.Dismiss()
	}
}

// ---------------------------------------------------------------------------
// Inbound handshake frames
// ---------------------------------------------------------------------------

func (r *Registry) onHello(key util.PeerKey, from net.Addr) {
	if _, ok := r.sessions[key]; ok {
		r.drop(from, "HELLO from established peer")
		return
	}

	hs, ok := r.pending[key]
	switch {
	case !ok:
		// Unsolicited: answer and remember the peer until it establishes.
		if len(r.pending) >= r.cfg.MaxPendingHandshakes {
			r.drop(from, "handshake table full")
			return
		}
		if !r.replyHello(from) {
			return
		}
		hs = &handshake{addr: from}
		hs.expiry = r.clock.AfterFunc(r.cfg.HandshakeTimeout, func() {
			r.loop.Post(func() {
				if r.pending[key] == hs && hs.gate == nil {
					delete(r.pending, key)
					util.LogDebug("[%s] responder entry for %s expired", r.LocalAddr(), from)
				}
			})
		})
		r.pending[key] = hs

	case hs.gate == nil:
		// The peer is still retrying, so our reply was lost.
		r.replyHello(from)

	default:
		// Expected HELLO: we asked first, the peer answered.
		r.completeConnect(key, hs, true)
	}
}

func (r *Registry) replyHello(to net.Addr) bool {
	if !r.limiter.Allow() {
		r.drop(to, "HELLO reply rate limited")
		return false
	}
	if err := r.sendFrame(protocol.OpHello, to); err != nil {
		util.LogDebug("[%s] HELLO reply to %s failed: %v", r.LocalAddr(), to, err)
		return false
	}
	return true
}

func (r *Registry) onEstablish(key util.PeerKey, from net.Addr) {
	if _, ok := r.sessions[key]; ok {
		r.drop(from, "ESTABLISH for established peer")
		return
	}
	hs, ok := r.pending[key]
	if !ok {
		r.drop(from, "ESTABLISH without HELLO")
		return
	}

	if hs.gate != nil {
		r.completeConnect(key, hs, false)
		return
	}

	r.clearHandshake(key, hs)
	s := r.createSession(key, from)
	r.emitPeer(s)
}

// completeConnect finishes a handshake local callers are waiting on.
func (r *Registry) completeConnect(key util.PeerKey, hs *handshake, establish bool) {
	if !hs.gate.Enter() {
		// Timed out or abandoned; its cleanup is already queued.
		return
	}
	r.clearHandshake(key, hs)

	if establish {
		if err := r.sendFrame(protocol.OpEstablish, hs.addr); err != nil {
			util.LogWarning("[%s] ESTABLISH to %s failed: %v", r.LocalAddr(), hs.addr, err)
		}
	}
	s := r.createSession(key, hs.addr)
	if establish {
		r.confirm(key, hs.addr)
	}
	hs.resolve(s, nil)
}

// confirmation repeats ESTABLISH until the peer's first session packet shows
// it holds the session too.
type confirmation struct {
	addr  net.Addr
	left  int
	timer clock.Timer
}

// confirm starts repeating ESTABLISH to addr every HelloInterval, for at most
// HandshakeTimeout (the peer forgets its responder entry after that).
func (r *Registry) confirm(key util.PeerKey, addr net.Addr) {
	c := &confirmation{
		addr: addr,
		left: int(r.cfg.HandshakeTimeout / r.cfg.HelloInterval),
	}
	c.timer = clock.Repeat(r.clock, r.cfg.HelloInterval, func() {
		r.loop.Post(func() { r.repeatEstablish(key, c) })
	})
	r.confirming[key] = c
}

func (r *Registry) repeatEstablish(key util.PeerKey, c *confirmation) {
	if r.confirming[key] != c {
		return
	}
	if c.left <= 0 {
		r.confirmed(key)
		return
	}
	c.left--
	if err := r.sendFrame(protocol.OpEstablish, c.addr); err != nil {
		util.LogDebug("[%s] ESTABLISH retry to %s failed: %v", r.LocalAddr(), c.addr, err)
	}
}

// confirmed stops the ESTABLISH repeats for key, if any.
func (r *Registry) confirmed(key util.PeerKey) {
	if c, ok := r.confirming[key]; ok {
		c.timer.Stop()
		delete(r.confirming, key)
	}
}

func (r *Registry) sendFrame(op protocol.Opcode, to net.Addr) error {
	return r.SendRaw(protocol.Encode(&protocol.Packet{Opcode: op}), to)
}
