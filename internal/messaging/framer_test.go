package messaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/session"
)

// pipe is a Stream whose data and close events are driven by the test.
type pipe struct {
	mu    sync.Mutex
	sent  [][]byte
	data  func([]byte)
	close func()
}

func (p *pipe) SendBuffer(_ context.Context, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, append([]byte(nil), b...))
	return nil
}

func (p *pipe) OnData(fn func([]byte)) { p.data = fn }
func (p *pipe) OnClose(fn func())      { p.close = fn }

func (p *pipe) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func frame(msg []byte) []byte {
	out := make([]byte, HeaderSize+len(msg))
	binary.LittleEndian.PutUint16(out, uint16(len(msg)))
	copy(out[HeaderSize:], msg)
	return out
}

func next(t *testing.T, f *Framer) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.NextMessage(ctx)
	require.NoError(t, err)
	return msg
}

func TestSendMessageFrames(t *testing.T) {
	p := &pipe{}
	f := New(p, 0)

	require.NoError(t, f.SendMessage(context.Background(), []byte{1, 2, 3}))
	require.NoError(t, f.SendMessage(context.Background(), nil))

	assert.Equal(t, [][]byte{{3, 0, 1, 2, 3}, {0, 0}}, p.writes())
}

func TestBoundarySizesRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 255, 256, MaxSize} {
		p := &pipe{}
		f := New(p, 0)

		msg := bytes.Repeat([]byte{0xAB}, size)
		require.NoError(t, f.SendMessage(context.Background(), msg))
		p.data(p.writes()[0])

		got := next(t, f)
		assert.Len(t, got, size)
		assert.True(t, bytes.Equal(msg, got))
		assert.Equal(t, AwaitingHeader, f.State())
	}
}

func TestOversizedRejectedLocally(t *testing.T) {
	p := &pipe{}
	f := New(p, 0)

	err := f.SendMessage(context.Background(), make([]byte, MaxSize+1))
	require.ErrorIs(t, err, ErrOversizedMessage)
	assert.Empty(t, p.writes())

	small := New(&pipe{}, 10)
	require.ErrorIs(t, small.SendMessage(context.Background(), make([]byte, 11)), ErrOversizedMessage)
}

// TestArbitraryChunking feeds three messages one byte at a time and as one
// blob, splitting headers across chunks.
func TestArbitraryChunking(t *testing.T) {
	msgs := [][]byte{{1, 2, 3}, {}, bytes.Repeat([]byte{7}, 300)}
	var stream []byte
	for _, m := range msgs {
		stream = append(stream, frame(m)...)
	}

	t.Run("byte by byte", func(t *testing.T) {
		p := &pipe{}
		f := New(p, 0)
		for _, b := range stream {
			p.data([]byte{b})
		}
		for _, m := range msgs {
			assert.Equal(t, m, next(t, f))
		}
	})

	t.Run("one blob", func(t *testing.T) {
		p := &pipe{}
		f := New(p, 0)
		p.data(stream)
		for _, m := range msgs {
			assert.Equal(t, m, next(t, f))
		}
	})
}

func TestOversizedHeaderAbandonsStream(t *testing.T) {
	p := &pipe{}
	f := New(p, 4)

	p.data(frame([]byte{1, 2}))
	p.data([]byte{5, 0})
	assert.Equal(t, Ignore, f.State())

	p.data(frame([]byte{9}))
	assert.Equal(t, []byte{1, 2}, next(t, f))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.NextMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextMessageFIFOAcrossWaiters(t *testing.T) {
	p := &pipe{}
	f := New(p, 0)

	results := make(chan []byte, 3)
	for i := 0; i < 3; i++ {
		go func() {
			msg, err := f.NextMessage(context.Background())
			if err == nil {
				results <- msg
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	p.data(append(append(frame([]byte{1}), frame([]byte{2})...), frame([]byte{3})...))

	seen := map[byte]bool{}
	for i := 0; i < 3; i++ {
		select {
		case m := <-results:
			seen[m[0]] = true
		case <-time.After(time.Second):
			t.Fatal("waiter starved")
		}
	}
	assert.Len(t, seen, 3)
}

func TestQueuedMessagesSurviveClose(t *testing.T) {
	p := &pipe{}
	f := New(p, 0)

	p.data(frame([]byte{1}))
	p.close()

	assert.Equal(t, []byte{1}, next(t, f))
	_, err := f.NextMessage(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	_, err = f.NextMessage(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestOnMessageObserver(t *testing.T) {
	p := &pipe{}
	f := New(p, 0)

	var got [][]byte
	f.OnMessage(func(m []byte) { got = append(got, m) })
	p.data(append(frame([]byte{1}), frame([]byte{2, 2})...))

	assert.Equal(t, [][]byte{{1}, {2, 2}}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.NextMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
