// Package registry owns a datagram socket, demultiplexes inbound datagrams to
// per-peer sessions and performs the HELLO/ESTABLISH handshake.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/discovery"
	"github.com/1ureka/rudp/internal/loop"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/session"
	"github.com/1ureka/rudp/internal/util"
)

var (
	// ErrHandshakeTimeout is returned by Connect when the peer did not
	// answer in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrRegistryClosed is returned by operations on a closed registry.
	ErrRegistryClosed = errors.New("registry closed")
	// ErrUnknownSession marks session traffic from a peer without a session.
	// It is only logged.
	ErrUnknownSession = errors.New("unknown session")
)

// Registry multiplexes many sessions over one socket. All session and
// handshake state lives on the registry's loop.
type Registry struct {
	conn      net.PacketConn
	cfg       Config
	clock     clock.Clock
	loop      *loop.Loop
	hasher    util.PeerHasher
	limiter   *rate.Limiter
	discovery *discovery.Client

	// Loop-owned.
	sessions   map[util.PeerKey]*session.Session
	pending    map[util.PeerKey]*handshake
	confirming map[util.PeerKey]*confirmation
	closed     bool

	peerMu  sync.Mutex
	peerObs []func(*session.Session)

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
}

// Listen binds a UDP socket on address ("host:port", port 0 for any) and
// starts a Registry on it.
func Listen(address string, cfg Config) (*Registry, error) {
	if address == "" {
		address = "0.0.0.0:0"
	}
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}
	return New(conn, cfg), nil
}

// New starts a Registry on an already-bound socket. The Registry owns conn
// from now on and closes it on Close.
func New(conn net.PacketConn, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		conn:      conn,
		cfg:       cfg,
		clock:     cfg.Clock,
		loop:      loop.New(),
		hasher:    util.NewPeerHasher(),
		limiter:   rate.NewLimiter(cfg.HelloRate, cfg.HelloBurst),
		discovery: discovery.New(cfg.Clock),
		sessions:  make(map[util.PeerKey]*session.Session),
		pending:   make(map[util.PeerKey]*handshake),

		confirming: make(map[util.PeerKey]*confirmation),
		readDone:  make(chan struct{}),
	}
	go r.readLoop()
	util.LogDebug("[%s] registry started", conn.LocalAddr())
	return r
}

// LocalAddr returns the bound address.
func (r *Registry) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// OnPeer registers fn to receive sessions opened by remote peers. Sessions
// created by a local Connect are returned from Connect instead. Callbacks
// run on the registry loop and must not block.
func (r *Registry) OnPeer(fn func(*session.Session)) {
	r.peerMu.Lock()
	r.peerObs = append(r.peerObs, fn)
	r.peerMu.Unlock()
}

func (r *Registry) emitPeer(s *session.Session) {
	r.peerMu.Lock()
	obs := append([]func(*session.Session){}, r.peerObs...)
	r.peerMu.Unlock()

	for _, fn := range obs {
		fn(s)
	}
}

// SendRaw writes one unreliable datagram through the shared socket.
func (r *Registry) SendRaw(p []byte, addr net.Addr) error {
	n, err := r.conn.WriteTo(p, addr)
	if err != nil {
		return err
	}
	util.Stats.AddSent(n)
	return nil
}

// Session returns the established session for addr, if any.
func (r *Registry) Session(addr net.Addr) (*session.Session, bool) {
	key := r.hasher.Key(addr)
	var (
		s  *session.Session
		ok bool
	)
	if err := r.loop.Do(func() { s, ok = r.sessions[key] }); err != nil {
		return nil, false
	}
	return s, ok
}

// Sessions returns the number of established sessions.
func (r *Registry) Sessions() int {
	n := 0
	_ = r.loop.Do(func() { n = len(r.sessions) })
	return n
}

// Discover asks STUN servers, in order, for this socket's public address.
// With no servers given, the configured list is used.
func (r *Registry) Discover(ctx context.Context, servers ...string) (*net.UDPAddr, error) {
	if len(servers) == 0 {
		servers = r.cfg.STUNServers
	}

	var errs []error
	for _, server := range servers {
		addr, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", server, err))
			continue
		}
		self, err := r.discovery.Request(ctx, r.SendRaw, addr, r.cfg.DiscoveryTimeout)
		if err == nil {
			util.LogInfo("[%s] public address is %s (via %s)", r.LocalAddr(), self, server)
			return self, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("discovery failed: %w", errors.Join(errs...))
}

// Close closes every session, fails pending Connects, closes the socket and
// stops the loop. It is idempotent.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		_ = r.loop.Do(func() {
			r.closed = true
			for key, hs := range r.pending {
				// Resolve even if the gate fired: its expiry task may be
				// queued after the loop stops.
				r.clearHandshake(key, hs)
				hs.resolve(nil, ErrRegistryClosed)
			}
			for key := range r.confirming {
				r.confirmed(key)
			}
			for _, s := range r.sessions {
				s.Close()
			}
		})
		// Let the posted session shutdowns run before the loop stops.
		_ = r.loop.Sync()

		r.closing.Store(true)
		r.closeErr = r.conn.Close()
		<-r.readDone
		r.discovery.Close()
		r.loop.Stop()
		util.LogDebug("[%s] registry closed", r.conn.LocalAddr())
	})
	return r.closeErr
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (r *Registry) readLoop() {
	defer close(r.readDone)

	buf := make([]byte, r.cfg.ReadBufferSize)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors surface here on some platforms; the socket is
			// still usable.
			util.LogDebug("[%s] read error: %v", r.LocalAddr(), err)
			continue
		}

		util.Stats.AddRecv(n)
		raw := make([]byte, n)
		copy(raw, buf[:n])
		if !r.loop.Post(func() { r.HandleDatagram(raw, from) }) {
			return
		}
	}
}

// HandleDatagram routes one inbound datagram. It must run on the registry
// loop; the read goroutine posts every datagram here.
func (r *Registry) HandleDatagram(raw []byte, from net.Addr) {
	if r.closed {
		return
	}

	if !protocol.IsProtocol(raw) && discovery.IsMessage(raw) {
		r.discovery.Handle(raw)
		return
	}

	pkt, err := protocol.Decode(raw)
	if err != nil {
		r.drop(from, "%v", err)
		return
	}

	key := r.hasher.Key(from)
	switch pkt.Opcode {
	case protocol.OpHello:
		r.onHello(key, from)
	case protocol.OpEstablish:
		r.onEstablish(key, from)
	case protocol.OpData, protocol.OpResendRequest, protocol.OpDataAck, protocol.OpStatus:
		s, ok := r.sessions[key]
		if !ok {
			r.drop(from, "%s: %v", pkt.Opcode, ErrUnknownSession)
			return
		}
		r.confirmed(key)
		s.HandlePacket(pkt)
	default:
		r.drop(from, "unknown opcode %s", pkt.Opcode)
	}
}

func (r *Registry) drop(from net.Addr, format string, args ...interface{}) {
	util.Stats.AddDropped()
	if util.DebugEnabled() {
		util.LogDebug("[%s] drop datagram from %s: %s", r.LocalAddr(), from, fmt.Sprintf(format, args...))
	}
}

// createSession registers a new session for key.
func (r *Registry) createSession(key util.PeerKey, addr net.Addr) *session.Session {
	s := session.New(session.Deps{
		Loop:   r.loop,
		Clock:  r.clock,
		Conn:   r.conn,
		Remote: addr,
	}, r.cfg.Session)

	r.sessions[key] = s
	util.Stats.AddSession()
	s.OnClose(func() {
		if r.sessions[key] == s {
			delete(r.sessions, key)
			r.confirmed(key)
		}
		util.Stats.RemoveSession()
	})

	util.LogInfo("[%s] session established with %s", r.LocalAddr(), s)
	return s
}
