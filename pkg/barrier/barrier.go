// Package barrier implements the per-group arrival barrier used to detect
// that every thread of a group has reached its quiescent point.
package barrier

import (
	"sync"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

// Barrier records thread arrivals for one checkpoint round. Arm fixes the
// expected count at the start of a round and returns a round token (epoch);
// Arrive accepts an arrival only when the caller's token matches the current
// round, so an arrival delayed past the round's end can never be miscounted
// into a later round. The channel returned by Done closes when the arrival
// count reaches the expected count, letting a waiter select completion
// against a timeout instead of spinning.
//
// Arrivals are recorded by thread identifier so the abort path can learn,
// atomically with invalidating the token (Drain), exactly which threads are
// committed to parking and must be released.
//
// Arrive must be called at most once per thread per round; the checkpoint
// controller enforces that with the per-thread pending flag. Reset
// happens-after every thread of the round is accounted for and happens-before
// the next round's Arm; both are ordered by the controller's per-group round
// lock.
type Barrier struct {
	mu       sync.Mutex
	epoch    uint64
	expected int32
	arrived  []proc.ThreadID
	done     chan struct{}
}

// New creates an unarmed barrier.
func New() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// Arm fixes the expected arrival count for a new round, clears the recorded
// arrivals, and returns the round token arrivals must present. Round tokens
// are always non-zero.
func (b *Barrier) Arm(expected int32) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.epoch++
	b.expected = expected
	b.arrived = nil
	b.done = make(chan struct{})

	return b.epoch
}

// Arrive records thread t's arrival for the round identified by epoch and
// returns the post-arrival count. A stale token is rejected with ok=false
// and nothing recorded. When the count reaches the expected count the done
// channel closes.
func (b *Barrier) Arrive(epoch uint64, t proc.ThreadID) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if epoch != b.epoch {
		return 0, false
	}

	b.arrived = append(b.arrived, t)

	n := int32(len(b.arrived))
	if n == b.expected {
		close(b.done)
	}

	return n, true
}

// Arrived returns the current arrival count.
func (b *Barrier) Arrived() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int32(len(b.arrived))
}

// Expected returns the expected arrival count for the current round.
func (b *Barrier) Expected() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.expected
}

// IsComplete reports whether every expected thread has arrived. Safe to poll.
func (b *Barrier) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.expected > 0 && int32(len(b.arrived)) >= b.expected
}

// Done returns the channel that closes once the current round's barrier is
// complete.
func (b *Barrier) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.done
}

// Drain invalidates the round's token and returns the threads whose arrivals
// were accepted, in arrival order, as one atomic step. The abort path calls
// it before releasing anyone: an arrival racing the abort either lands before
// the drain (and is in the returned set) or is rejected as stale afterwards,
// so no thread can slip past the abort into a park nobody will end.
func (b *Barrier) Drain() []proc.ThreadID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.epoch++
	b.expected = 0

	arrived := b.arrived
	b.arrived = nil

	return arrived
}

// Reset clears the counters at the end of a round and invalidates the
// round's token, so the barrier can be rearmed for the next one.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.epoch++
	b.expected = 0
	b.arrived = nil
}
