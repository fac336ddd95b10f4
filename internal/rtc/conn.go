// Package rtc carries datagrams over a WebRTC DataChannel. A Conn is a
// net.PacketConn with exactly one remote peer, so a registry can run on it
// the same way it runs on a UDP socket.
package rtc

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/transport/v4/deadline"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rudp/internal/util"
)

const (
	highWaterMark = 256 * 1024 // writes are dropped while bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // logged when bufferedAmount drains below this
	inboxSize     = 256        // inbound datagram queue
)

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("rtc: connection closed")
	// ErrNotOpen is returned by writes before the DataChannel has opened.
	ErrNotOpen = errors.New("rtc: data channel not open")
	// ErrCongested is returned by writes while the channel's send buffer
	// is above its high-water mark. The datagram is dropped.
	ErrCongested = errors.New("rtc: send buffer full")
)

// Addr names one end of a DataChannel. Its string is taken from the
// selected ICE candidate pair, so it is stable for the life of the Conn.
type Addr struct {
	label string
}

func (a Addr) Network() string { return "webrtc" }
func (a Addr) String() string  { return a.label }

// Conn wraps one PeerConnection and its datagram DataChannel.
//
// Its lifecycle is governed by the DataChannel: when the channel closes, the
// Conn closes. Inbound messages that arrive while the reader is slow are
// dropped once the inbox is full, like a UDP receive buffer.
type Conn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	inbox chan []byte
	ready chan struct{}
	done  chan struct{}

	readDeadline  *deadline.Deadline
	writeDeadline *deadline.Deadline

	mu     sync.RWMutex
	local  Addr
	remote Addr

	openOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

var _ net.PacketConn = (*Conn)(nil)

// New creates a Conn backed by a new PeerConnection and the pre-negotiated
// DataChannel. The caller performs signaling with the exposed methods and
// waits on Ready before handing the Conn to a registry.
func New(opts Options) (*Conn, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	c := &Conn{
		pc:            pc,
		dc:            dc,
		inbox:         make(chan []byte, inboxSize),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		readDeadline:  deadline.New(),
		writeDeadline: deadline.New(),
		local:         Addr{label: "webrtc-local"},
		remote:        Addr{label: "webrtc-remote"},
	}

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		util.LogDebug("DataChannel send buffer drained")
	})

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			c.resolveAddrs()
			close(c.ready)
		})
	})

	dc.OnClose(func() {
		util.LogInfo("DataChannel closed")
		go c.Close()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case c.inbox <- msg.Data:
		case <-c.done:
		default:
			util.Stats.AddDropped()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			go c.Close()
		}
	})

	return c, nil
}

// resolveAddrs names both ends after the selected candidate pair.
func (c *Conn) resolveAddrs() {
	sctp := c.pc.SCTP()
	if sctp == nil {
		return
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return
	}

	c.mu.Lock()
	c.local = Addr{label: candidateLabel(pair.Local)}
	c.remote = Addr{label: candidateLabel(pair.Remote)}
	c.mu.Unlock()
}

func candidateLabel(cand *webrtc.ICECandidate) string {
	if cand == nil {
		return "webrtc"
	}
	return net.JoinHostPort(cand.Address, strconv.Itoa(int(cand.Port)))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready is closed once the DataChannel is open.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the Conn is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts down the DataChannel and the PeerConnection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = errors.Join(c.dc.Close(), c.pc.Close())
	})
	return c.closeErr
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for gathered local candidates. A nil
// candidate signals the end of gathering.
func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote candidate received through signaling.
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// net.PacketConn
// ---------------------------------------------------------------------------

// ReadFrom returns the next inbound datagram. The source is always the
// single remote peer. Datagrams longer than p are truncated.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case msg := <-c.inbox:
		return copy(p, msg), c.RemoteAddr(), nil
	case <-c.readDeadline.Done():
		return 0, nil, c.readDeadline.Err()
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo sends p as one DataChannel message. addr is ignored. Writes never
// block: a full send buffer drops the datagram with ErrCongested.
func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	case <-c.writeDeadline.Done():
		return 0, c.writeDeadline.Err()
	default:
	}
	select {
	case <-c.ready:
	default:
		return 0, ErrNotOpen
	}

	if c.dc.BufferedAmount() > highWaterMark {
		util.Stats.AddDropped()
		return 0, ErrCongested
	}
	if err := c.dc.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// LocalAddr returns the local end of the selected candidate pair.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// RemoteAddr returns the remote end of the selected candidate pair.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	c.writeDeadline.Set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return nil
}
