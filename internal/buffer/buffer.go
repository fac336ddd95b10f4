// Package buffer implements an append-only chunk queue with front removal,
// used to accumulate a byte stream until a whole frame is available.
package buffer

// Buffer holds an ordered sequence of byte chunks. Appending never copies;
// the buffer takes ownership of the slices it is given. The zero value is
// ready to use.
type Buffer struct {
	chunks [][]byte
	size   int
}

// Append adds p to the end of the buffer. Empty slices are ignored.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.size += len(p)
}

// Splice removes and returns the first min(n, Len()) bytes. A chunk that is
// only partly consumed is split; its remainder stays at the front.
func (b *Buffer) Splice(n int) []byte {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return []byte{}
	}

	// Fast path: the request is exactly the first chunk.
	if len(b.chunks[0]) == n {
		out := b.chunks[0]
		b.pop()
		return out
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := b.chunks[0]
		need := n - len(out)
		if len(head) <= need {
			out = append(out, head...)
			b.pop()
			continue
		}
		out = append(out, head[:need]...)
		b.chunks[0] = head[need:]
		b.size -= need
	}
	return out
}

// Lookup returns the first chunk without removing it, or nil when empty.
func (b *Buffer) Lookup() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	return b.chunks[0]
}

// Len returns the total number of buffered bytes.
func (b *Buffer) Len() int {
	return b.size
}

// Reset drops all buffered bytes.
func (b *Buffer) Reset() {
	clear(b.chunks)
	b.chunks = b.chunks[:0]
	b.size = 0
}

func (b *Buffer) pop() {
	b.size -= len(b.chunks[0])
	b.chunks[0] = nil
	b.chunks = b.chunks[1:]
}
