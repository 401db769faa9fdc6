package ice

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/signal"
)

func candidate(i int) signal.Candidate {
	mid := "0"
	return signal.Candidate{Candidate: fmt.Sprintf("candidate:%d", i), SDPMid: &mid}
}

// TestQueueDrainPreservesOrder checks FIFO delivery.
func TestQueueDrainPreservesOrder(t *testing.T) {
	q := NewQueue("call-1")
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(candidate(i)))
	}
	assert.Equal(t, 5, q.Len())

	got, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("candidate:%d", i), c.Candidate)
	}
	assert.Zero(t, q.Len())
	assert.True(t, q.Drained())
}

// TestQueueDrainsExactlyOnce verifies the second drain yields nothing.
func TestQueueDrainsExactlyOnce(t *testing.T) {
	q := NewQueue("call-1")
	require.NoError(t, q.Push(candidate(1)))

	_, err := q.Drain()
	require.NoError(t, err)

	got, err := q.Drain()
	assert.ErrorIs(t, err, ErrDrained)
	assert.Empty(t, got)

	assert.ErrorIs(t, q.Push(candidate(2)), ErrDrained)
}

// TestQueueEmptyDrain allows draining with nothing buffered.
func TestQueueEmptyDrain(t *testing.T) {
	q := NewQueue("call-1")
	got, err := q.Drain()
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestQueueClearResets returns the queue to its initial state.
func TestQueueClearResets(t *testing.T) {
	q := NewQueue("call-1")
	require.NoError(t, q.Push(candidate(1)))
	_, err := q.Drain()
	require.NoError(t, err)

	q.Clear()
	assert.False(t, q.Drained())
	require.NoError(t, q.Push(candidate(3)))
	assert.Equal(t, 1, q.Len())
}

// TestQueueConcurrentPushDrain ensures nothing is lost or duplicated when
// pushes race the drain.
func TestQueueConcurrentPushDrain(t *testing.T) {
	q := NewQueue("call-1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := q.Push(candidate(i)); err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}(i)
	}

	drained, err := q.Drain()
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, 100, len(drained)+rejected)
	assert.Zero(t, q.Len())
}
