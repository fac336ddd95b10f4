package session

import "github.com/1ureka/rudp/internal/protocol"

// oooCache holds payloads that arrived ahead of the receive counter. It is
// owned by the session loop and needs no locking.
type oooCache struct {
	entries    map[protocol.Seq][]byte
	bytes      int
	maxBytes   int
	maxEntries int
}

func newOOOCache(maxBytes, maxEntries int) *oooCache {
	return &oooCache{
		entries:    make(map[protocol.Seq][]byte),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
	}
}

func (c *oooCache) len() int { return len(c.entries) }

func (c *oooCache) has(seq protocol.Seq) bool {
	_, ok := c.entries[seq]
	return ok
}

// fits reports whether an n-byte payload can be admitted under both caps.
func (c *oooCache) fits(n int) bool {
	return len(c.entries) < c.maxEntries && c.bytes+n <= c.maxBytes
}

func (c *oooCache) put(seq protocol.Seq, payload []byte) {
	c.entries[seq] = payload
	c.bytes += len(payload)
}

func (c *oooCache) take(seq protocol.Seq) ([]byte, bool) {
	p, ok := c.entries[seq]
	if !ok {
		return nil, false
	}
	delete(c.entries, seq)
	c.bytes -= len(p)
	return p, true
}

// prune drops entries that now lie behind base. Only a peer that
// re-fragmented its stream produces them.
func (c *oooCache) prune(base protocol.Seq) int {
	n := 0
	for seq, p := range c.entries {
		if seq.Less(base) {
			delete(c.entries, seq)
			c.bytes -= len(p)
			n++
		}
	}
	return n
}

func (c *oooCache) clear() {
	clear(c.entries)
	c.bytes = 0
}
