package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/rudp/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize  = 16 * 1024 // TCP bytes per DATA frame
	inboxBufferSize = 64        // per-socketID inbox capacity
)

// socket holds the lifecycle state for one socketID. Only its own
// goroutines touch tcpConn.
type socket struct {
	id uint32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan *frame
	t     *tunnel

	tcpConn net.Conn
}

// newSocket creates a socket without a TCP connection (host side).
func newSocket(parentCtx context.Context, id uint32, t *tunnel) *socket {
	ctx, cancel := context.WithCancel(parentCtx)
	return &socket{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *frame, inboxBufferSize),
		t:      t,
	}
}

// newSocketWithConn creates a socket for an accepted TCP connection
// (client side).
func newSocketWithConn(parentCtx context.Context, id uint32, t *tunnel, conn net.Conn) *socket {
	s := newSocket(parentCtx, id, t)
	s.tcpConn = conn
	return s
}

// ---------------------------------------------------------------------------
// Host side
// ---------------------------------------------------------------------------

// runAsHost dials targetAddr on CONNECT and forwards DATA until CLOSE. A
// socket is only created by its CONNECT, and frames arrive in order.
func (s *socket) runAsHost(targetAddr string) {
	defer s.cleanup()

	for {
		select {
		case f := <-s.inbox:
			switch f.Type {
			case TypeConnect:
				if s.tcpConn != nil {
					continue
				}
				var d net.Dialer
				conn, err := d.DialContext(s.ctx, "tcp", targetAddr)
				if err != nil {
					util.LogWarning("[%08x] TCP dial failed: %v", s.id, err)
					return
				}
				s.tcpConn = conn
				util.LogDebug("[%08x] TCP connected to %s", s.id, targetAddr)
				go s.pumpTCPToStream()

			case TypeData:
				if _, err := s.tcpConn.Write(f.Payload); err != nil {
					util.LogDebug("[%08x] TCP write error: %v", s.id, err)
					return
				}

			case TypeClose:
				util.LogDebug("[%08x] received CLOSE", s.id)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// runAsClient sends CONNECT for the accepted connection and forwards data
// both ways until CLOSE or cancellation.
func (s *socket) runAsClient() {
	defer s.cleanup()

	if err := s.t.send(s.ctx, &frame{Type: TypeConnect, SocketID: s.id}); err != nil {
		util.LogDebug("[%08x] send CONNECT: %v", s.id, err)
		return
	}
	go s.pumpTCPToStream()

	for {
		select {
		case f := <-s.inbox:
			switch f.Type {
			case TypeData:
				if _, err := s.tcpConn.Write(f.Payload); err != nil {
					util.LogDebug("[%08x] TCP write error: %v", s.id, err)
					return
				}
			case TypeClose:
				util.LogDebug("[%08x] received CLOSE", s.id)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// TCP → stream
// ---------------------------------------------------------------------------

// pumpTCPToStream reads from the TCP connection and sends DATA frames. Each
// send waits for the peer's acknowledgement, which paces the reader.
func (s *socket) pumpTCPToStream() {
	defer s.cleanup()

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.tcpConn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if err := s.t.send(s.ctx, &frame{Type: TypeData, SocketID: s.id, Payload: payload}); err != nil {
				if s.ctx.Err() == nil {
					util.LogDebug("[%08x] send DATA: %v", s.id, err)
				}
				return
			}
		}

		if err != nil {
			if s.ctx.Err() == nil {
				util.LogDebug("[%08x] TCP read: %v", s.id, err)
			}
			return
		}
	}
}

// cleanup releases the socket once, whichever goroutine exits first, and
// tells the peer with a single CLOSE.
func (s *socket) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.tcpConn != nil {
			s.tcpConn.Close()
		}
		// s.ctx is already cancelled; CLOSE goes out on the tunnel's context.
		if err := s.t.send(s.t.ctx, &frame{Type: TypeClose, SocketID: s.id}); err != nil && s.t.ctx.Err() == nil {
			util.LogDebug("[%08x] send CLOSE: %v", s.id, err)
		}
		util.LogDebug("[%08x] socket closed", s.id)
	})
}
