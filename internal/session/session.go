// Package session implements the per-peer reliability engine: it turns a
// lossy, reordering, duplicating datagram path into an ordered byte stream.
//
// A Session's state is owned by the loop it was created on. HandlePacket must
// be called from that loop; every other exported method is safe for
// concurrent use and hands its work to the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/loop"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

var (
	// ErrSessionClosed is returned by operations on a closed session, and by
	// sends that were still outstanding when it closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrTransientSend is returned when the socket rejected the first
	// datagram of a send. None of that call's bytes entered the stream and
	// the session stays usable.
	ErrTransientSend = errors.New("transient send failure")
)

// PacketWriter is the sending half of a datagram socket. net.PacketConn
// satisfies it.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Deps are the collaborators a Session runs on.
type Deps struct {
	Loop   *loop.Loop
	Clock  clock.Clock
	Conn   PacketWriter
	Remote net.Addr
}

// Session is a reliable ordered byte stream to one remote peer.
type Session struct {
	id     uuid.UUID
	remote net.Addr
	conn   PacketWriter
	loop   *loop.Loop
	clock  clock.Clock
	cfg    Config

	// Loop-owned state.
	recvCount   protocol.Seq
	sendCount   protocol.Seq
	closed      bool
	sent        map[protocol.Seq]*outgoing
	cache       *oooCache
	queue       []fragment
	statusTimer clock.Timer
	resendTimer clock.Timer
	resendLeft  int

	done chan struct{}

	obsMu    sync.Mutex
	dataObs  []func([]byte)
	closeObs []func()
	held     [][]byte // data emitted before any data observer was registered

	counters counters
}

// New creates a Session bound to deps.Loop. The caller owns routing inbound
// packets to HandlePacket.
func New(deps Deps, cfg Config) *Session {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Session{
		id:     uuid.New(),
		remote: deps.Remote,
		conn:   deps.Conn,
		loop:   deps.Loop,
		clock:  deps.Clock,
		cfg:    cfg,
		sent:   make(map[protocol.Seq]*outgoing),
		cache:  newOOOCache(cfg.MaxCacheBytes, cfg.MaxCacheEntries),
		done:   make(chan struct{}),
	}
}

// ID returns a random identifier used to correlate log lines.
func (s *Session) ID() uuid.UUID { return s.id }

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr { return s.remote }

func (s *Session) String() string {
	return fmt.Sprintf("%s/%s", s.remote, s.id.String()[:8])
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close tears the session down asynchronously: every timer stops, every
// outstanding send fails with ErrSessionClosed and close observers run. It
// is idempotent and may be called from an observer callback.
func (s *Session) Close() error {
	s.loop.Post(s.shutdown)
	return nil
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

// OnData registers fn to receive stream bytes in order. Callbacks run on the
// session loop and must not block. Bytes that arrived before the first
// observer was registered are delivered to it first.
func (s *Session) OnData(fn func([]byte)) {
	s.obsMu.Lock()
	s.dataObs = append(s.dataObs, fn)
	flush := len(s.held) > 0
	s.obsMu.Unlock()

	if flush {
		s.loop.Post(s.flushHeld)
	}
}

// OnClose registers fn to run once the session closes. If it has already
// closed, fn runs immediately on the calling goroutine.
func (s *Session) OnClose(fn func()) {
	s.obsMu.Lock()
	if s.Closed() {
		s.obsMu.Unlock()
		fn()
		return
	}
	s.closeObs = append(s.closeObs, fn)
	s.obsMu.Unlock()
}

func (s *Session) emitData(p []byte) {
	s.obsMu.Lock()
	if len(s.dataObs) == 0 || len(s.held) > 0 {
		s.held = append(s.held, p)
		s.obsMu.Unlock()
		return
	}
	obs := append([]func([]byte){}, s.dataObs...)
	s.obsMu.Unlock()

	for _, fn := range obs {
		fn(p)
	}
}

func (s *Session) flushHeld() {
	s.obsMu.Lock()
	held := s.held
	s.held = nil
	obs := append([]func([]byte){}, s.dataObs...)
	s.obsMu.Unlock()

	for _, p := range held {
		for _, fn := range obs {
			fn(p)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// HandlePacket applies an inbound packet. It must run on the session loop.
func (s *Session) HandlePacket(pkt *protocol.Packet) {
	if s.closed {
		return
	}
	s.counters.packetsRecv.Add(1)

	if pkt.Opcode == protocol.OpData {
		s.onData(pkt.Seq, pkt.Payload)
		return
	}

	v, err := pkt.Value()
	if err != nil {
		s.drop("malformed %s: %v", pkt.Opcode, err)
		return
	}
	switch pkt.Opcode {
	case protocol.OpDataAck:
		s.onDataAck(v)
	case protocol.OpResendRequest:
		s.onResendRequest(v)
	case protocol.OpStatus:
		s.onStatus(v)
	default:
		s.drop("unexpected %s", pkt.Opcode)
	}
}

// shutdown runs on the loop.
func (s *Session) shutdown() {
	if s.closed {
		return
	}
	s.closed = true

	for seq, o := range s.sent {
		o.timer.Stop()
		o.job.finish(ErrSessionClosed)
		delete(s.sent, seq)
	}
	for _, f := range s.queue {
		f.job.finish(ErrSessionClosed)
	}
	s.queue = nil
	s.cache.clear()
	s.stopStatus()
	s.stopResend()

	close(s.done)

	s.obsMu.Lock()
	obs := s.closeObs
	s.closeObs = nil
	s.obsMu.Unlock()

	util.LogInfo("[%s] session closed", s)
	for _, fn := range obs {
		fn()
	}
}

// write puts one datagram on the wire.
func (s *Session) write(raw []byte) error {
	n, err := s.conn.WriteTo(raw, s.remote)
	if err != nil {
		return err
	}
	util.Stats.AddSent(n)
	s.counters.packetsSent.Add(1)
	return nil
}

// sendControl writes a control frame. Control frames are never retransmitted;
// losing one is repaired by the next timer tick on either side.
func (s *Session) sendControl(op protocol.Opcode, v protocol.Seq) {
	if err := s.write(protocol.Encode(protocol.Control(op, v))); err != nil {
		util.LogDebug("[%s] failed to send %s(%d): %v", s, op, v, err)
	}
}

func (s *Session) drop(format string, args ...interface{}) {
	s.counters.dropped.Add(1)
	util.Stats.AddDropped()
	if util.DebugEnabled() {
		util.LogDebug("[%s] drop: %s", s, fmt.Sprintf(format, args...))
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

type counters struct {
	packetsSent   atomic.Int64
	packetsRecv   atomic.Int64
	bytesDeliver  atomic.Int64
	retransmits   atomic.Int64
	cached        atomic.Int64
	dropped       atomic.Int64
	duplicateAcks atomic.Int64
}

// Stats is a point-in-time view of a session's counters.
type Stats struct {
	PacketsSent    int64
	PacketsRecv    int64
	BytesDelivered int64
	Retransmits    int64
	Cached         int64
	Dropped        int64
	DuplicateAcks  int64
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		PacketsSent:    s.counters.packetsSent.Load(),
		PacketsRecv:    s.counters.packetsRecv.Load(),
		BytesDelivered: s.counters.bytesDeliver.Load(),
		Retransmits:    s.counters.retransmits.Load(),
		Cached:         s.counters.cached.Load(),
		Dropped:        s.counters.dropped.Load(),
		DuplicateAcks:  s.counters.duplicateAcks.Load(),
	}
}

// waitCtx is the shared wait for operations that complete on the loop.
func waitCtx(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
