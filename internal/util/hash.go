// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net"
)

// PeerKey identifies a remote endpoint within one registry. It is used for
// demultiplexing only and carries no authentication.
type PeerKey uint64

// PeerHasher derives PeerKeys from remote addresses. Each hasher has its own
// random seed, so keys are stable for its lifetime but differ between
// registries.
type PeerHasher struct {
	seed [8]byte
}

// NewPeerHasher returns a hasher with a fresh random seed.
func NewPeerHasher() PeerHasher {
	var h PeerHasher
	if _, err := rand.Read(h.seed[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return h
}

// Seed returns the hasher's seed.
func (h PeerHasher) Seed() uint64 {
	return binary.BigEndian.Uint64(h.seed[:])
}

// Key hashes the seed with the address's "ip:port" form.
func (h PeerHasher) Key(addr net.Addr) PeerKey {
	f := fnv.New64a()
	f.Write(h.seed[:])
	f.Write([]byte(addr.String()))
	return PeerKey(f.Sum64())
}

// SocketIDFromConn computes a 4-byte hash from a TCP connection's 4-tuple.
// The tunnel uses it to tag forwarded connections.
func SocketIDFromConn(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}
