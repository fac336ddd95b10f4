package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeConnect uint8 = 0x01
	TypeData    uint8 = 0x02
	TypeClose   uint8 = 0x03
)

// FrameHeaderSize is type(1) + socketID(4).
const FrameHeaderSize = 5

// ErrShortFrame is returned by decodeFrame for messages without a header.
var ErrShortFrame = errors.New("tunnel frame too short")

// frame is one tunnel message. It travels as a single framed message, so
// ordering and integrity come from the session underneath.
type frame struct {
	Type     uint8
	SocketID uint32
	Payload  []byte
}

func encodeFrame(f *frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.SocketID)
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// decodeFrame aliases msg; framed messages are not reused by the framer.
func decodeFrame(msg []byte) (*frame, error) {
	if len(msg) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(msg))
	}
	return &frame{
		Type:     msg[0],
		SocketID: binary.BigEndian.Uint32(msg[1:5]),
		Payload:  msg[FrameHeaderSize:],
	}, nil
}
