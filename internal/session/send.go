package session

import (
	"context"
	"fmt"

	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

// job tracks one SendBuffer call across its fragments. Loop-owned.
type job struct {
	remaining int
	finished  bool
	done      chan error
}

func (j *job) finish(err error) {
	if j.finished {
		return
	}
	j.finished = true
	j.done <- err
}

type fragment struct {
	payload []byte
	first   bool
	job     *job
}

// outgoing is an unacknowledged DATA packet.
type outgoing struct {
	seq   protocol.Seq
	raw   []byte
	timer clock.Timer
	job   *job
}

// SendBuffer writes data to the stream and waits until the peer has
// acknowledged every byte. Concurrent calls never interleave their bytes.
//
// It returns ErrSessionClosed if the session closes first, ErrTransientSend
// if the socket rejected the first datagram, or ctx.Err() if ctx ends first;
// in the last case the bytes stay queued and will still be delivered.
func (s *Session) SendBuffer(ctx context.Context, data []byte) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if len(data) == 0 {
		return nil
	}

	size := s.cfg.payloadSize()
	j := &job{done: make(chan error, 1)}
	frags := make([]fragment, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunk := make([]byte, end-off)
		copy(chunk, data[off:end])
		frags = append(frags, fragment{payload: chunk, first: off == 0, job: j})
	}
	j.remaining = len(frags)

	if !s.loop.Post(func() { s.enqueue(frags) }) {
		return ErrSessionClosed
	}
	return waitCtx(ctx, j.done)
}

func (s *Session) enqueue(frags []fragment) {
	if s.closed {
		frags[0].job.finish(ErrSessionClosed)
		return
	}
	s.queue = append(s.queue, frags...)
	s.pump()
}

// pump admits queued fragments while the in-flight window has room.
func (s *Session) pump() {
	for len(s.queue) > 0 && len(s.sent) < s.cfg.Window {
		f := s.queue[0]
		s.queue[0] = fragment{}
		s.queue = s.queue[1:]

		if f.job.finished {
			continue
		}
		if err := s.sendPacket(f.payload, protocol.OpData, f); err != nil {
			f.job.finish(fmt.Errorf("%w: %v", ErrTransientSend, err))
		}
	}
}

// buildOutgoingPacket stamps the current send counter on payload and
// advances the counter past it.
func (s *Session) buildOutgoingPacket(payload []byte) *protocol.Packet {
	pkt := &protocol.Packet{Seq: s.sendCount, Payload: payload}
	s.sendCount = s.sendCount.Add(len(payload))
	return pkt
}

// sendPacket transmits a fragment once and keeps retransmitting it until it
// is acknowledged. If the first datagram of a call cannot be written, the
// stamp is rolled back and the error returned; a later fragment of the same
// call is already committed to the stream, so its failure is left to the
// retransmit timer.
func (s *Session) sendPacket(payload []byte, op protocol.Opcode, f fragment) error {
	pkt := s.buildOutgoingPacket(payload)
	pkt.Opcode = op
	raw := protocol.Encode(pkt)

	if err := s.write(raw); err != nil {
		if f.first {
			s.sendCount = pkt.Seq
			util.LogWarning("[%s] send failed at seq %d: %v", s, pkt.Seq, err)
			return err
		}
		util.LogDebug("[%s] first transmission of seq %d failed, retrying: %v", s, pkt.Seq, err)
	}

	o := &outgoing{seq: pkt.Seq, raw: raw, job: f.job}
	o.timer = clock.Repeat(s.clock, s.cfg.RetransmitInterval, func() {
		s.loop.Post(func() { s.retransmit(o) })
	})
	s.sent[pkt.Seq] = o
	s.startStatus()
	return nil
}

func (s *Session) retransmit(o *outgoing) {
	if s.closed || s.sent[o.seq] != o {
		return
	}
	s.counters.retransmits.Add(1)
	util.Stats.AddRetransmit()
	if err := s.write(o.raw); err != nil {
		util.LogDebug("[%s] retransmit of seq %d failed: %v", s, o.seq, err)
	}
}

// ---------------------------------------------------------------------------
// Acknowledgment
// ---------------------------------------------------------------------------

func (s *Session) onDataAck(seq protocol.Seq) {
	o, ok := s.sent[seq]
	if !ok {
		util.LogDebug("[%s] ack for unknown seq %d", s, seq)
		return
	}
	o.timer.Stop()
	delete(s.sent, seq)

	o.job.remaining--
	if o.job.remaining == 0 {
		o.job.finish(nil)
	}

	s.pump()
	if len(s.sent) == 0 {
		s.stopStatus()
	}
}

func (s *Session) onResendRequest(seq protocol.Seq) {
	o, ok := s.sent[seq]
	if !ok {
		util.LogDebug("[%s] resend request for forgotten seq %d", s, seq)
		return
	}
	s.retransmit(o)
}

// ---------------------------------------------------------------------------
// Status announcements
// ---------------------------------------------------------------------------

func (s *Session) startStatus() {
	if s.statusTimer != nil {
		return
	}
	s.statusTimer = clock.Repeat(s.clock, s.cfg.StatusInterval, func() {
		s.loop.Post(s.statusPacketTick)
	})
}

func (s *Session) statusPacketTick() {
	if s.closed || s.statusTimer == nil {
		return
	}
	if len(s.sent) == 0 {
		s.stopStatus()
		return
	}
	s.sendControl(protocol.OpStatus, s.sendCount)
}

func (s *Session) stopStatus() {
	if s.statusTimer != nil {
		s.statusTimer.Stop()
		s.statusTimer = nil
	}
}
