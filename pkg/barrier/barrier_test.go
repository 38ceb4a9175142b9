package barrier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

func TestBarrier_Arm_Arrive_Complete(t *testing.T) {
	t.Parallel()

	b := New()
	epoch := b.Arm(3)

	for i := int32(1); i <= 3; i++ {
		n, ok := b.Arrive(epoch, proc.ThreadID(100+i))
		require.True(t, ok)
		assert.Equal(t, i, n)
	}

	assert.True(t, b.IsComplete())
	assert.Equal(t, int32(3), b.Arrived())
	assert.Equal(t, int32(3), b.Expected())

	select {
	case <-b.Done():
	default:
		t.Fatal("done channel not closed after last arrival")
	}
}

func TestBarrier_DoneNotClosedBeforeComplete(t *testing.T) {
	t.Parallel()

	b := New()
	epoch := b.Arm(2)

	_, ok := b.Arrive(epoch, 100)
	require.True(t, ok)

	select {
	case <-b.Done():
		t.Fatal("done channel closed before all arrivals")
	default:
	}

	assert.False(t, b.IsComplete())
}

func TestBarrier_Arrive_StaleEpochRejected(t *testing.T) {
	t.Parallel()

	b := New()
	old := b.Arm(2)

	// A new round invalidates the previous token.
	fresh := b.Arm(2)

	n, ok := b.Arrive(old, 100)
	assert.False(t, ok)
	assert.Equal(t, int32(0), n)
	assert.Equal(t, int32(0), b.Arrived())

	n, ok = b.Arrive(fresh, 100)
	require.True(t, ok)
	assert.Equal(t, int32(1), n)
}

func TestBarrier_Drain_InvalidatesTokenAndReturnsArrivals(t *testing.T) {
	t.Parallel()

	b := New()
	epoch := b.Arm(3)

	_, ok := b.Arrive(epoch, 101)
	require.True(t, ok)
	_, ok = b.Arrive(epoch, 100)
	require.True(t, ok)

	drained := b.Drain()
	assert.Equal(t, []proc.ThreadID{101, 100}, drained)

	// The drained token is dead: a straggler presenting it is rejected
	// rather than recorded into a round that no longer exists.
	_, ok = b.Arrive(epoch, 102)
	assert.False(t, ok)
	assert.Equal(t, int32(0), b.Arrived())
	assert.Equal(t, int32(0), b.Expected())
	assert.False(t, b.IsComplete())
}

func TestBarrier_Drain_EmptyRound(t *testing.T) {
	t.Parallel()

	b := New()
	b.Arm(2)

	assert.Empty(t, b.Drain())
}

func TestBarrier_Reset_InvalidatesToken(t *testing.T) {
	t.Parallel()

	b := New()
	epoch := b.Arm(2)

	_, ok := b.Arrive(epoch, 100)
	require.True(t, ok)

	b.Reset()

	_, ok = b.Arrive(epoch, 101)
	assert.False(t, ok)
	assert.Equal(t, int32(0), b.Arrived())
	assert.Equal(t, int32(0), b.Expected())
	assert.False(t, b.IsComplete())
}

func TestBarrier_RearmStartsFreshRound(t *testing.T) {
	t.Parallel()

	b := New()

	epoch := b.Arm(1)
	_, ok := b.Arrive(epoch, 100)
	require.True(t, ok)
	require.True(t, b.IsComplete())

	b.Reset()

	epoch = b.Arm(2)
	assert.False(t, b.IsComplete())

	n, ok := b.Arrive(epoch, 100)
	require.True(t, ok)
	assert.Equal(t, int32(1), n)

	// The fresh round has its own done channel.
	select {
	case <-b.Done():
		t.Fatal("done channel of the new round closed early")
	default:
	}
}

func TestBarrier_UnarmedIsNotComplete(t *testing.T) {
	t.Parallel()

	b := New()

	assert.False(t, b.IsComplete())
	assert.Equal(t, int32(0), b.Arrived())
}
