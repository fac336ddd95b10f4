package session

import (
	"github.com/1ureka/rudp/internal/clock"
	"github.com/1ureka/rudp/internal/protocol"
	"github.com/1ureka/rudp/internal/util"
)

// onData is the receive path for a DATA packet at seq.
func (s *Session) onData(seq protocol.Seq, payload []byte) {
	switch {
	case seq == s.recvCount:
		s.sendControl(protocol.OpDataAck, seq)
		s.advance(payload)

	case s.recvCount.Less(seq):
		if s.cache.has(seq) {
			s.counters.duplicateAcks.Add(1)
			s.sendControl(protocol.OpDataAck, seq)
			return
		}
		gap := s.recvCount.Distance(seq)
		if gap > s.cfg.MaxCacheGap || !s.cache.fits(len(payload)) {
			s.drop("seq %d (expecting %d, gap %d, cached %d)", seq, s.recvCount, gap, s.cache.len())
			s.sendControl(protocol.OpResendRequest, s.recvCount)
			return
		}
		s.cache.put(seq, payload)
		s.counters.cached.Add(1)
		s.sendControl(protocol.OpDataAck, seq)
		s.startResend()

	default:
		// Behind the counter: a retransmission of something already
		// delivered. Acknowledge it again so the sender's timer retires.
		s.counters.duplicateAcks.Add(1)
		s.sendControl(protocol.OpDataAck, seq)
	}
}

// advance consumes a contiguous payload and schedules promotion of the next
// cached packet, if any. Promotion is posted to the loop rather than called
// directly so a long chain of cached packets cannot grow the stack.
func (s *Session) advance(payload []byte) {
	s.recvCount = s.recvCount.Add(len(payload))
	if n := s.cache.prune(s.recvCount); n > 0 {
		util.LogDebug("[%s] pruned %d stale cached packets", s, n)
	}

	if len(payload) > 0 {
		s.counters.bytesDeliver.Add(int64(len(payload)))
		s.emitData(payload)
	}

	switch {
	case s.cache.has(s.recvCount):
		s.loop.Post(s.promote)
	case s.cache.len() == 0:
		s.stopResend()
	}
}

func (s *Session) promote() {
	if s.closed {
		return
	}
	payload, ok := s.cache.take(s.recvCount)
	if !ok {
		return
	}
	s.advance(payload)
}

// ---------------------------------------------------------------------------
// Gap recovery
// ---------------------------------------------------------------------------

// startResend requests the missing base sequence now and keeps asking for a
// bounded number of retries while the gap stays open.
func (s *Session) startResend() {
	if s.resendTimer != nil {
		return
	}
	s.sendControl(protocol.OpResendRequest, s.recvCount)
	s.resendLeft = s.cfg.ResendRetries
	s.resendTimer = clock.Repeat(s.clock, s.cfg.ResendRetryInterval, func() {
		s.loop.Post(s.resendTick)
	})
}

func (s *Session) resendTick() {
	if s.closed || s.resendTimer == nil {
		return
	}
	if s.cache.len() == 0 || s.resendLeft <= 0 {
		s.stopResend()
		return
	}
	s.resendLeft--
	s.sendControl(protocol.OpResendRequest, s.recvCount)
}

func (s *Session) stopResend() {
	if s.resendTimer != nil {
		s.resendTimer.Stop()
		s.resendTimer = nil
	}
}

// onStatus compares the peer's send counter with ours. If the peer has sent
// bytes we have not received, ask for the first of them.
func (s *Session) onStatus(remote protocol.Seq) {
	if s.recvCount.Less(remote) {
		s.sendControl(protocol.OpResendRequest, s.recvCount)
	}
}
