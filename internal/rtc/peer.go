package rtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when Options
// names none. There is no TURN; the carrier only works for direct paths.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options tunes the PeerConnection behind a Conn.
type Options struct {
	// STUNServers as "stun:host:port" URLs. Nil means DefaultSTUNServers,
	// an empty non-nil slice disables STUN.
	STUNServers []string
	// Loopback also gathers 127.0.0.1 host candidates (same-machine tests).
	Loopback bool
}

// newPeerConnection creates a PeerConnection for the configured STUN servers.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	servers := opts.STUNServers
	if servers == nil {
		servers = DefaultSTUNServers
	}

	config := webrtc.Configuration{}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}

	var se webrtc.SettingEngine
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated datagram channel (ID 0) so both
// sides can create it without OnDataChannel. It is unordered with zero
// retransmits: reliability belongs to the sessions running on top.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	retransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("rudp", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}
