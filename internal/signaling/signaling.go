package signaling

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rudp/internal/rtc"
	"github.com/1ureka/rudp/internal/util"
)

// PINLength is the number of digits in a host's PIN.
const PINLength = 6

// Invite is what a joining peer needs to reach a waiting host.
type Invite struct {
	Addr *net.TCPAddr
	PIN  string
}

// URL returns the WebSocket URL for the invite on the given public host
// (empty means the bound address).
func (i Invite) URL(host string) string {
	if host == "" {
		host = i.Addr.String()
	}
	return fmt.Sprintf("ws://%s/ws?pin=%s", host, i.PIN)
}

// NormalizeURL turns user input ("host:port", "wss://host", a full URL)
// into a WebSocket URL on the /ws path, keeping any pin query parameter.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "http" {
		scheme = "ws"
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}
	if pin := u.Query().Get("pin"); pin != "" {
		out.RawQuery = url.Values{"pin": {pin}}.Encode()
	}
	return out.String(), nil
}

// Host starts a signaling server on listenAddr, reports the invite through
// onInvite, and waits for one peer to join. It returns an open Conn; the
// WebSocket is closed once the DataChannel is up.
func Host(ctx context.Context, listenAddr string, opts rtc.Options, onInvite func(Invite)) (*rtc.Conn, error) {
	srv := newServer(generatePIN(PINLength))
	addr, err := srv.start(listenAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	if onInvite != nil {
		onInvite(Invite{Addr: addr, PIN: srv.pin})
	}

	ws, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for peer: %w", err)
	}
	defer ws.Close()
	util.LogInfo("signaling peer connected from %s", ws.RemoteAddr())

	return establish(ctx, ws, opts, true)
}

// Join dials a host's signaling URL and returns an open Conn.
func Join(ctx context.Context, wsURL string, opts rtc.Options) (*rtc.Conn, error) {
	ws, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer ws.Close()
	util.LogInfo("signaling connected to %s", ws.RemoteAddr())

	return establish(ctx, ws, opts, false)
}

// establish creates a Conn and runs the SDP/ICE exchange on ws. The
// offering side sends the offer; the other side answers from its receiver.
func establish(ctx context.Context, ws *websocket.Conn, opts rtc.Options, offer bool) (*rtc.Conn, error) {
	conn, err := rtc.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create rtc conn: %w", err)
	}

	s := &sender{conn: conn, ws: ws}
	r := &receiver{conn: conn, ws: ws, sender: s}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		// Best effort: a lost candidate only narrows the ICE choice.
		if err := s.sendCandidate(c); err != nil {
			util.LogDebug("send ICE candidate: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		// Returns once ws is closed, by our defer or by the peer's.
		errCh <- r.watch()
	}()

	if offer {
		if err := s.sendOffer(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send offer: %w", err)
		}
	}

	for {
		select {
		case <-conn.Ready():
			util.LogInfo("DataChannel open (%s <-> %s), closing signaling", conn.LocalAddr(), conn.RemoteAddr())
			return conn, nil

		case err := <-errCh:
			// The peer closes its WebSocket as soon as its own DataChannel
			// opens, which can precede ours. With both descriptions in
			// place ICE needs no more signaling.
			if r.exchanged {
				util.LogDebug("signaling closed after SDP exchange (%v), waiting for DataChannel", err)
				errCh = nil
				continue
			}
			conn.Close()
			return nil, fmt.Errorf("signaling failed: %w", err)

		case <-conn.Done():
			return nil, fmt.Errorf("signaling failed: %w", rtc.ErrClosed)

		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}
}
