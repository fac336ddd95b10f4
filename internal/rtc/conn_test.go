package rtc

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T) *Conn {
	t.Helper()
	c, err := New(Options{STUNServers: []string{}, Loopback: true})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWriteBeforeOpen(t *testing.T) {
	c := newConn(t)
	_, err := c.WriteTo([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestReadDeadline(t *testing.T) {
	c := newConn(t)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, _, err := c.ReadFrom(make([]byte, 16))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestCloseUnblocksRead(t *testing.T) {
	c := newConn(t)
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadFrom(make([]byte, 16))
		errCh <- err
	}()

	require.NoError(t, c.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFrom still blocked after Close")
	}

	_, err := c.WriteTo([]byte("x"), nil)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.NoError(t, c.Close())
}

// link connects two Conns in-process with complete (non-trickled) SDPs.
func link(t *testing.T) (offerer, answerer *Conn) {
	t.Helper()
	offerer, answerer = newConn(t), newConn(t)

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer.pc)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered
	require.NoError(t, answerer.SetRemoteDescription(*offerer.pc.LocalDescription()))

	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer.pc)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered
	require.NoError(t, offerer.SetRemoteDescription(*answerer.pc.LocalDescription()))

	for _, c := range []*Conn{offerer, answerer} {
		select {
		case <-c.Ready():
		case <-time.After(15 * time.Second):
			t.Fatal("DataChannel did not open")
		}
	}
	return offerer, answerer
}

func TestDatagramsBothWays(t *testing.T) {
	if testing.Short() {
		t.Skip("opens WebRTC peer connections")
	}

	a, b := link(t)
	buf := make([]byte, 64)

	_, err := a.WriteTo([]byte("ping"), nil)
	require.NoError(t, err)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, b.RemoteAddr(), from)
	assert.Equal(t, "webrtc", from.Network())

	_, err = b.WriteTo([]byte("pong"), from)
	require.NoError(t, err)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err = a.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}
