package buffer_test

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/buffer"
)

func TestAppendAndLen(t *testing.T) {
	var b buffer.Buffer
	assert.Zero(t, b.Len())
	assert.Nil(t, b.Lookup())

	b.Append([]byte{1, 2, 3})
	b.Append(nil)
	b.Append([]byte{})
	b.Append([]byte{4, 5})

	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []byte{1, 2, 3}, b.Lookup())
}

func TestSpliceSplitsChunks(t *testing.T) {
	var b buffer.Buffer
	b.Append([]byte{1, 2, 3})
	b.Append([]byte{4, 5, 6})

	assert.Equal(t, []byte{1, 2}, b.Splice(2))
	assert.Equal(t, []byte{3}, b.Lookup())
	assert.Equal(t, 4, b.Len())

	assert.Equal(t, []byte{3, 4, 5}, b.Splice(3))
	assert.Equal(t, []byte{6}, b.Splice(100))
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Splice(1))
}

func TestSpliceZeroAndNegative(t *testing.T) {
	var b buffer.Buffer
	b.Append([]byte{9})
	assert.Empty(t, b.Splice(0))
	assert.Empty(t, b.Splice(-1))
	assert.Equal(t, 1, b.Len())
}

func TestReset(t *testing.T) {
	var b buffer.Buffer
	b.Append([]byte{1, 2})
	b.Reset()
	assert.Zero(t, b.Len())
	assert.Nil(t, b.Lookup())
}

// TestSpliceProperty checks that for random chunkings and random splice
// sizes the concatenation of splices equals the concatenation of appends.
func TestSpliceProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 200; round++ {
		var b buffer.Buffer
		var want []byte
		for i := r.IntN(20); i > 0; i-- {
			chunk := make([]byte, r.IntN(50))
			for j := range chunk {
				chunk[j] = byte(r.Uint32())
			}
			want = append(want, chunk...)
			b.Append(chunk)
		}
		require.Equal(t, len(want), b.Len())

		var got []byte
		for b.Len() > 0 {
			n := r.IntN(40)
			before := b.Len()
			out := b.Splice(n)
			require.Equal(t, min(n, before), len(out))
			require.Equal(t, before-len(out), b.Len())
			got = append(got, out...)
		}
		require.True(t, bytes.Equal(want, got), "round %d", round)
	}
}
