package discovery_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/discovery"
)

// startSTUNServer answers every binding request with the sender's address.
func startSTUNServer(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if req.Decode() != nil {
				continue
			}
			udp := from.(*net.UDPAddr)
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteTo(resp.Raw, from)
		}
	}()
	return conn
}

// clientSocket feeds every datagram it reads into c.
func clientSocket(t *testing.T, c *discovery.Client) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			c.Handle(buf[:n])
		}
	}()
	return conn
}

func TestRequestReturnsReflexiveAddress(t *testing.T) {
	server := startSTUNServer(t)
	c := discovery.New(nil)
	conn := clientSocket(t, c)

	send := func(p []byte, addr net.Addr) error {
		_, err := conn.WriteTo(p, addr)
		return err
	}

	addr, err := c.Request(context.Background(), send, server.LocalAddr(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, addr.Port)
	assert.True(t, addr.IP.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestRequestTimesOut(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := discovery.New(fake)

	var sent []byte
	send := func(p []byte, _ net.Addr) error {
		sent = append([]byte(nil), p...)
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), send, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 3478}, 3*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)
	fake.Advance(3 * time.Second)
	require.ErrorIs(t, <-errCh, discovery.ErrTimeout)

	// A response for the expired transaction is consumed and ignored.
	req := &stun.Message{Raw: sent}
	require.NoError(t, req.Decode())
	late, err := stun.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 9), Port: 1}, stun.Fingerprint)
	require.NoError(t, err)
	assert.True(t, c.Handle(late.Raw))
}

func TestHandleIgnoresNonSTUN(t *testing.T) {
	c := discovery.New(nil)
	assert.False(t, c.Handle([]byte{0x72, 0x01, 0x00, 0x00}))
	assert.False(t, c.Handle(nil))
}

func TestRequestContextCancel(t *testing.T) {
	c := discovery.New(clock.NewFake(time.Unix(0, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Request(ctx, func([]byte, net.Addr) error { return nil }, &net.UDPAddr{}, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseFailsOutstanding(t *testing.T) {
	c := discovery.New(clock.NewFake(time.Unix(0, 0)))
	errCh := make(chan error, 1)
	sent := make(chan struct{})
	go func() {
		_, err := c.Request(context.Background(), func([]byte, net.Addr) error { close(sent); return nil }, &net.UDPAddr{}, time.Second)
		errCh <- err
	}()
	<-sent
	c.Close()
	require.ErrorIs(t, <-errCh, discovery.ErrClosed)
}
