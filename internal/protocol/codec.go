package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortPacket is returned when a datagram is smaller than HeaderSize.
	ErrShortPacket = errors.New("packet too short")
	// ErrProtocolMismatch is returned when the first byte is not ProtocolID.
	ErrProtocolMismatch = errors.New("protocol id mismatch")
)

// Encode serializes a Packet into a datagram.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = ProtocolID
	buf[1] = uint8(pkt.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(pkt.Seq))
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode deserializes a datagram into a Packet. The payload is copied, so the
// caller may reuse data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortPacket, len(data), HeaderSize)
	}
	if data[0] != ProtocolID {
		return nil, fmt.Errorf("%w: got 0x%02x", ErrProtocolMismatch, data[0])
	}
	pkt := &Packet{
		Opcode: Opcode(data[1]),
		Seq:    Seq(binary.BigEndian.Uint16(data[2:4])),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}

// Control builds a control frame whose payload is a 2-byte big-endian value.
func Control(op Opcode, v Seq) *Packet {
	payload := make([]byte, ControlSize)
	binary.BigEndian.PutUint16(payload, uint16(v))
	return &Packet{Opcode: op, Payload: payload}
}

// Value returns the 2-byte value carried by a control frame.
func (p *Packet) Value() (Seq, error) {
	if len(p.Payload) < ControlSize {
		return 0, fmt.Errorf("%w: %s value needs %d bytes, got %d", ErrShortPacket, p.Opcode, ControlSize, len(p.Payload))
	}
	return Seq(binary.BigEndian.Uint16(p.Payload)), nil
}

// IsProtocol reports whether raw looks like an rudp datagram.
func IsProtocol(raw []byte) bool {
	return len(raw) > 0 && raw[0] == ProtocolID
}
