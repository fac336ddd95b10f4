package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/messaging"
	"github.com/1ureka/rudp/internal/registry"
	"github.com/1ureka/rudp/internal/session"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// startEchoServer copies everything each connection sends back to it.
func startEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// framedPair connects two loopback registries and frames both sessions.
func framedPair(t *testing.T) (client, host *messaging.Framer, hostSession *session.Session) {
	t.Helper()
	a, err := registry.Listen("127.0.0.1:0", registry.DefaultConfig())
	require.NoError(t, err)
	b, err := registry.Listen("127.0.0.1:0", registry.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	accepted := make(chan *session.Session, 1)
	b.OnPeer(func(s *session.Session) { accepted <- s })

	sa, err := a.Connect(context.Background(), b.LocalAddr().String(), 0)
	require.NoError(t, err)

	var sb *session.Session
	select {
	case sb = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("no session on host")
	}

	return messaging.New(sa, 0), messaging.New(sb, 0), sb
}

func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFrameCodec(t *testing.T) {
	raw := encodeFrame(&frame{Type: TypeData, SocketID: 0xDEADBEEF, Payload: []byte("hi")})
	assert.Equal(t, []byte{TypeData, 0xDE, 0xAD, 0xBE, 0xEF, 'h', 'i'}, raw)

	f, err := decodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeData, f.Type)
	assert.Equal(t, uint32(0xDEADBEEF), f.SocketID)
	assert.Equal(t, []byte("hi"), f.Payload)

	_, err = decodeFrame(raw[:4])
	assert.ErrorIs(t, err, ErrShortFrame)
}

// TestRunAsHostAndClient exercises the full path:
//
//	[TCP client] <-> [Serve] <-> [framed session] <-> [RunAsHost] <-> [echo server]
func TestRunAsHostAndClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	echoAddr := startEchoServer(t)
	clientStream, hostStream, _ := framedPair(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	clientAddr := listener.Addr().String()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		RunAsHost(ctx, hostStream, echoAddr)
	}()
	go func() {
		defer wg.Done()
		Serve(ctx, clientStream, listener)
	}()

	const numConns = 4
	const dataSize = 96 * 1024 // several DATA frames per connection

	var connWg sync.WaitGroup
	for i := range numConns {
		connWg.Add(1)
		go func(idx int) {
			defer connWg.Done()

			conn, err := net.Dial("tcp", clientAddr)
			if err != nil {
				t.Errorf("[conn %d] dial: %v", idx, err)
				return
			}
			defer conn.Close()

			sent := makeTestData(dataSize, byte(idx))

			errCh := make(chan error, 1)
			go func() {
				_, err := conn.Write(sent)
				errCh <- err
			}()

			got := make([]byte, dataSize)
			conn.SetReadDeadline(time.Now().Add(20 * time.Second))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Errorf("[conn %d] read echo: %v", idx, err)
				return
			}
			if err := <-errCh; err != nil {
				t.Errorf("[conn %d] write: %v", idx, err)
				return
			}
			if !bytes.Equal(sent, got) {
				t.Errorf("[conn %d] echoed data mismatch", idx)
			}
		}(i)
	}
	connWg.Wait()
}

func TestDialFailureClosesClientConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Nothing listens on the target.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	clientStream, hostStream, _ := framedPair(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go RunAsHost(ctx, hostStream, deadAddr)
	go Serve(ctx, clientStream, listener)

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSessionCloseStopsTunnel(t *testing.T) {
	_, hostStream, hostSession := framedPair(t)

	done := make(chan error, 1)
	go func() { done <- RunAsHost(context.Background(), hostStream, "127.0.0.1:1") }()

	require.NoError(t, hostSession.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunAsHost did not return after the session closed")
	}
}
