// Package messaging frames discrete messages on top of a session's byte
// stream with a 2-byte little-endian length prefix.
package messaging

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/rudp/internal/buffer"
	"github.com/1ureka/rudp/internal/session"
	"github.com/1ureka/rudp/internal/util"
)

// MaxSize is the largest message the 2-byte length header can describe.
const MaxSize = 0xFFFF

// HeaderSize is the size of the length prefix.
const HeaderSize = 2

// ErrOversizedMessage is returned by SendMessage, before anything is sent,
// for messages longer than the framer's maximum.
var ErrOversizedMessage = errors.New("message too large")

// Stream is the part of a session the framer uses.
type Stream interface {
	SendBuffer(ctx context.Context, data []byte) error
	OnData(fn func([]byte))
	OnClose(fn func())
}

var _ Stream = (*session.Session)(nil)

// State is the receive state of a Framer.
type State int

const (
	AwaitingHeader State = iota + 1 // Waiting for the 2-byte length
	CollectingBody                  // Waiting for the declared number of bytes
	Ignore                          // Stream abandoned after an oversized header
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case CollectingBody:
		return "collecting-body"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Framer turns a byte stream into messages and back.
type Framer struct {
	stream  Stream
	maxSize int

	// Owned by the stream's data callbacks.
	buf   buffer.Buffer
	state State
	want  int

	mu     sync.Mutex
	inbox  [][]byte
	closed bool
	signal chan struct{}
	obs    []func([]byte)
}

// New attaches a Framer to stream. A maxSize of zero or above MaxSize means
// MaxSize.
func New(stream Stream, maxSize int) *Framer {
	if maxSize <= 0 || maxSize > MaxSize {
		maxSize = MaxSize
	}
	f := &Framer{
		stream:  stream,
		maxSize: maxSize,
		state:   AwaitingHeader,
		signal:  make(chan struct{}, 1),
	}
	stream.OnData(f.onData)
	stream.OnClose(f.onClose)
	return f
}

// SendMessage writes one framed message and waits until the peer has
// acknowledged it.
func (f *Framer) SendMessage(ctx context.Context, payload []byte) error {
	if len(payload) > f.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrOversizedMessage, len(payload), f.maxSize)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[HeaderSize:], payload)
	return f.stream.SendBuffer(ctx, frame)
}

// NextMessage returns the oldest message not yet taken. Concurrent callers
// each receive a different message. Once the stream has closed, queued
// messages are still returned, then session.ErrSessionClosed.
func (f *Framer) NextMessage(ctx context.Context) ([]byte, error) {
	for {
		f.mu.Lock()
		if len(f.inbox) > 0 {
			msg := f.inbox[0]
			f.inbox[0] = nil
			f.inbox = f.inbox[1:]
			more := len(f.inbox) > 0
			f.mu.Unlock()
			if more {
				f.wake()
			}
			return msg, nil
		}
		if f.closed {
			f.mu.Unlock()
			f.wake()
			return nil, session.ErrSessionClosed
		}
		f.mu.Unlock()

		select {
		case <-f.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OnMessage registers fn to receive every later message. Observers run on
// the session loop and must not block. While any observer is registered,
// messages are not queued for NextMessage.
func (f *Framer) OnMessage(fn func([]byte)) {
	f.mu.Lock()
	f.obs = append(f.obs, fn)
	f.mu.Unlock()
}

// State returns the receive state. It must be read from the stream's loop.
func (f *Framer) State() State {
	return f.state
}

func (f *Framer) onData(p []byte) {
	if f.state == Ignore {
		return
	}
	f.buf.Append(p)

	for {
		switch f.state {
		case AwaitingHeader:
			if f.buf.Len() < HeaderSize {
				return
			}
			n := int(binary.LittleEndian.Uint16(f.buf.Splice(HeaderSize)))
			if n > f.maxSize {
				util.LogWarning("declared message length %d exceeds %d, ignoring the rest of the stream", n, f.maxSize)
				f.state = Ignore
				f.buf.Reset()
				return
			}
			f.want = n
			f.state = CollectingBody

		case CollectingBody:
			if f.buf.Len() < f.want {
				return
			}
			msg := f.buf.Splice(f.want)
			f.state = AwaitingHeader
			f.deliver(msg)

		default:
			return
		}
	}
}

// deliver hands msg to the observers, or queues it for NextMessage when
// there are none.
func (f *Framer) deliver(msg []byte) {
	f.mu.Lock()
	if len(f.obs) == 0 {
		f.inbox = append(f.inbox, msg)
		f.mu.Unlock()
		f.wake()
		return
	}
	obs := append([]func([]byte){}, f.obs...)
	f.mu.Unlock()

	for _, fn := range obs {
		fn(msg)
	}
}

func (f *Framer) onClose() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
}

func (f *Framer) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}
