package protocol

// SeqLimit is the number of distinct sequence values. Sequence numbers are
// byte offsets modulo SeqLimit.
const SeqLimit = 1 << 16

// Seq is a byte offset into a stream, wrapping at SeqLimit.
type Seq uint16

// Add advances s by n bytes, wrapping.
func (s Seq) Add(n int) Seq {
	return s + Seq(uint16(n))
}

// Distance returns how many bytes t lies ahead of s, modulo SeqLimit.
func (s Seq) Distance(t Seq) int {
	return int(uint16(t - s))
}

// Less reports whether s precedes t in serial-number order: t lies less than
// half the sequence space ahead of s.
func (s Seq) Less(t Seq) bool {
	return int16(s-t) < 0
}

