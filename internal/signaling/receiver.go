package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rudp/internal/rtc"
)

// receiver applies inbound signaling messages to the Conn. The answering
// side replies to an offer through its sender.
type receiver struct {
	conn   *rtc.Conn
	ws     *websocket.Conn
	sender *sender

	// Candidates can overtake the description they belong to, since the
	// peer starts gathering before its SDP is on the wire.
	haveRemote bool
	pending    []webrtc.ICECandidateInit

	// exchanged is set once both descriptions are on both sides.
	exchanged bool
}

// watch runs until the WebSocket fails or a message cannot be applied.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return fmt.Errorf("apply offer: %w", err)
			}
			if err := r.sender.sendAnswer(); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}
			r.exchanged = true

		case msgTypeAnswer:
			if err := r.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return fmt.Errorf("apply answer: %w", err)
			}
			r.exchanged = true

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if !r.haveRemote {
				r.pending = append(r.pending, init)
				continue
			}
			if err := r.conn.AddICECandidate(init); err != nil {
				return fmt.Errorf("add ICE candidate: %w", err)
			}
		}
	}
}

// setRemote applies the peer's SDP and then any candidates that arrived
// ahead of it.
func (r *receiver) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := r.conn.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	r.haveRemote = true
	for _, c := range r.pending {
		if err := r.conn.AddICECandidate(c); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}
	}
	r.pending = nil
	return nil
}
