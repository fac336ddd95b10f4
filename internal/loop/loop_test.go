package loop_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/loop"
)

func TestPostRunsInOrder(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Sync())

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPostFromTaskIsDeferred(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	var trace []string
	require.NoError(t, l.Do(func() {
		l.Post(func() { trace = append(trace, "deferred") })
		trace = append(trace, "current")
	}))
	require.NoError(t, l.Sync())

	assert.Equal(t, []string{"current", "deferred"}, trace)
}

func TestConcurrentPostersNeverOverlap(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Sync())
	assert.Equal(t, 8*500, counter)
}

func TestStop(t *testing.T) {
	l := loop.New()
	require.NoError(t, l.Do(func() { l.Stop() }))
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(func() {}), loop.ErrStopped)
	l.Stop()
}
