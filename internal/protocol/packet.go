// Package protocol defines the datagram format shared by every rudp peer.
package protocol

import "fmt"

// ProtocolID is the first byte of every rudp datagram. Datagrams carrying any
// other value are not ours and are dropped. STUN messages always start with
// 0x00 or 0x01, so the two can share one socket.
const ProtocolID uint8 = 0x72

// Opcode identifies the meaning of a datagram.
type Opcode uint8

// Opcode constants.
const (
	OpHello         Opcode = 0x01 // Handshake probe
	OpEstablish     Opcode = 0x02 // Handshake confirmation
	OpData          Opcode = 0x03 // Stream bytes at Seq
	OpResendRequest Opcode = 0x04 // Control: retransmit the packet at Value()
	OpDataAck       Opcode = 0x05 // Control: packet at Value() arrived
	OpStatus        Opcode = 0x06 // Control: sender's current send counter
)

func (o Opcode) String() string {
	switch o {
	case OpHello:
		return "HELLO"
	case OpEstablish:
		return "ESTABLISH"
	case OpData:
		return "DATA"
	case OpResendRequest:
		return "RESEND_REQUEST"
	case OpDataAck:
		return "DATA_ACK"
	case OpStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
}

// HeaderSize is the fixed header size: ProtocolID(1) + Opcode(1) + Seq(2).
const HeaderSize = 4

// DefaultMTU bounds a whole datagram. It stays under common path MTUs so the
// IP layer never fragments.
const DefaultMTU = 1200

// ControlSize is the payload size of RESEND_REQUEST, DATA_ACK and STATUS.
const ControlSize = 2

// Packet is a decoded rudp datagram.
type Packet struct {
	Opcode  Opcode
	Seq     Seq    // Byte offset of Payload[0]; zero for non-DATA packets
	Payload []byte // Stream bytes for DATA, 2-byte value for control frames
}
