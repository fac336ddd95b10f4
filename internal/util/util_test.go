package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerKeyStableWithinHasher(t *testing.T) {
	h := NewPeerHasher()
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	c := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4001}

	assert.Equal(t, h.Key(a), h.Key(b))
	assert.NotEqual(t, h.Key(a), h.Key(c))
}

func TestPeerHasherSeedsDiffer(t *testing.T) {
	h1, h2 := NewPeerHasher(), NewPeerHasher()
	assert.NotEqual(t, h1.Seed(), h2.Seed())

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9}
	assert.NotEqual(t, h1.Key(addr), h2.Key(addr))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "99.0   B", formatBytes(99))
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
	assert.Len(t, formatBytes(100*1024*1024), 8)
}
