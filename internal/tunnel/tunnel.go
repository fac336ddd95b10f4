// Package tunnel forwards TCP connections over one framed session. The
// client side accepts local TCP connections, the host side dials a target
// service, and every connection is a socketID multiplexed on the stream.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/rudp/internal/messaging"
	"github.com/1ureka/rudp/internal/session"
	"github.com/1ureka/rudp/internal/util"
)

// Stream is the framed message stream a tunnel runs on.
type Stream interface {
	SendMessage(ctx context.Context, payload []byte) error
	NextMessage(ctx context.Context) ([]byte, error)
}

var _ Stream = (*messaging.Framer)(nil)

// tunnel holds the socketID route table.
type tunnel struct {
	ctx    context.Context
	stream Stream

	mu     sync.Mutex
	routes map[uint32]*socket
}

func newTunnel(ctx context.Context, stream Stream) *tunnel {
	return &tunnel{
		ctx:    ctx,
		stream: stream,
		routes: make(map[uint32]*socket),
	}
}

// register adds s to the route table until its context is done.
func (t *tunnel) register(s *socket) {
	t.mu.Lock()
	t.routes[s.id] = s
	t.mu.Unlock()

	go func() {
		<-s.ctx.Done()
		t.mu.Lock()
		if t.routes[s.id] == s {
			delete(t.routes, s.id)
		}
		t.mu.Unlock()
	}()
}

func (t *tunnel) lookup(id uint32) (*socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.routes[id]
	return s, ok
}

// deliver hands f to its socket. It blocks while the socket's inbox is full,
// which stalls the whole stream until that socket's TCP side catches up.
func (t *tunnel) deliver(s *socket, f *frame) {
	select {
	case s.inbox <- f:
	case <-s.ctx.Done():
	}
}

// send writes one frame. Errors only mean the stream is gone.
func (t *tunnel) send(ctx context.Context, f *frame) error {
	return t.stream.SendMessage(ctx, encodeFrame(f))
}

// run reads frames until the stream closes or ctx is done. onUnknown
// handles frames for socketIDs without a route.
func (t *tunnel) run(onUnknown func(*frame)) error {
	for {
		msg, err := t.stream.NextMessage(t.ctx)
		if err != nil {
			if errors.Is(err, session.ErrSessionClosed) || t.ctx.Err() != nil {
				return nil
			}
			return err
		}

		f, err := decodeFrame(msg)
		if err != nil {
			util.LogDebug("%v", err)
			continue
		}

		if s, ok := t.lookup(f.SocketID); ok {
			t.deliver(s, f)
			continue
		}
		onUnknown(f)
	}
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// RunAsHost serves the host side: a CONNECT for an unknown socketID creates
// a socket that dials targetAddr. It blocks until the stream closes or ctx
// is done.
func RunAsHost(ctx context.Context, stream Stream, targetAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := newTunnel(ctx, stream)

	return t.run(func(f *frame) {
		if f.Type != TypeConnect {
			// Late frames of a socket that already closed.
			return
		}
		s := newSocket(ctx, f.SocketID, t)
		t.register(s)
		go s.runAsHost(targetAddr)
		t.deliver(s, f)
	})
}

// RunAsClient serves the client side: every TCP connection accepted on
// localAddr becomes a socket that sends CONNECT and bridges its data. It
// blocks until the stream closes or ctx is done.
func RunAsClient(ctx context.Context, stream Stream, localAddr string) error {
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}
	return Serve(ctx, stream, listener)
}

// Serve is RunAsClient on an existing listener, which it closes on return.
func Serve(ctx context.Context, stream Stream, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := newTunnel(ctx, stream)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("virtual service listening on %s", listener.Addr())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() == nil {
					util.LogWarning("accept error: %v", err)
				}
				return
			}

			socketID := util.SocketIDFromConn(conn)
			util.LogDebug("[%08x] new connection from %s", socketID, conn.RemoteAddr())

			s := newSocketWithConn(ctx, socketID, t, conn)
			t.register(s)
			go s.runAsClient()
		}
	}()

	return t.run(func(f *frame) {
		util.LogDebug("[%08x] unknown socketID, dropping frame", f.SocketID)
	})
}
