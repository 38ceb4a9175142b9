// Package quiescent tracks the per-thread checkpoint state: the pending
// request token, the tri-state position in the protocol, and the scheduling
// state saved before parking so it can be restored exactly on release.
package quiescent

import (
	"sync/atomic"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
	"github.com/Sumatoshi-tech/quiesce/pkg/sched"
)

// Phase is a thread's position in the checkpoint protocol.
type Phase int32

// Protocol phases.
const (
	// PhaseRunning means no checkpoint activity for this thread.
	PhaseRunning Phase = iota

	// PhaseRequested means the thread has been asked to checkpoint but has
	// not parked yet.
	PhaseRequested

	// PhaseParked means the thread is parked at the barrier.
	PhaseParked
)

// State is one thread's checkpoint state. The owning thread mutates it on its
// own path through the protocol; the leader and the release path are the only
// external writers, and they write only through Release.
//
// The pending flag carries the round token it was set for, so a thread still
// unwinding from round K cannot clear a flag that round K+1 has already set:
// ClearPendingFor is a compare-and-swap on the token.
type State struct {
	id      proc.ThreadID
	pending atomic.Uint64
	phase   atomic.Int32
	saved   atomic.Int32
}

// NewState creates the checkpoint state for thread id.
func NewState(id proc.ThreadID) *State {
	return &State{id: id}
}

// ThreadID returns the thread this state belongs to.
func (st *State) ThreadID() proc.ThreadID {
	return st.id
}

// Pending reports whether a checkpoint has been requested for this thread.
func (st *State) Pending() bool {
	return st.pending.Load() != 0
}

// PendingRound returns the round token of the pending request, zero if none.
func (st *State) PendingRound() uint64 {
	return st.pending.Load()
}

// Phase returns the thread's current protocol phase.
func (st *State) Phase() Phase {
	return Phase(st.phase.Load())
}

// SavedState returns the scheduling state recorded by EnterBarrier.
func (st *State) SavedState() proc.State {
	return proc.State(st.saved.Load())
}

// MarkPending flags the thread as needing a checkpoint for the given round.
// The round token must be non-zero; barrier round tokens always are.
// Idempotent within a round.
func (st *State) MarkPending(round uint64) {
	st.pending.Store(round)
	st.phase.Store(int32(PhaseRequested))
}

// ClearPending clears the request flag unconditionally. The round tail owns
// this call; it runs under the round lock, before the next round can mark.
func (st *State) ClearPending() {
	st.pending.Store(0)
	st.phase.Store(int32(PhaseRunning))
}

// ClearPendingFor clears the request flag only if it still belongs to the
// given round. A thread unwinding from a finished round uses it so a flag
// already re-set for the next round survives. Reports whether it cleared.
func (st *State) ClearPendingFor(round uint64) bool {
	if !st.pending.CompareAndSwap(round, 0) {
		return false
	}

	st.phase.Store(int32(PhaseRunning))

	return true
}

// EnterBarrier records the thread's current scheduling state, retargets it to
// the checkpointing state, and parks. It blocks until Release (or a force
// wake on the abort path) delivers a wakeup, then restores the saved state.
// The thread restores its own state rather than the waker doing it, so a wake
// racing the park cannot leave the restore ordered before the retarget.
// Must be called by the thread itself; this is the protocol's only suspension
// point.
func (st *State) EnterBarrier(s sched.Scheduler) {
	saved := s.GetState(st.id)
	st.saved.Store(int32(saved))

	s.SetState(st.id, proc.StateCheckpointing)
	st.phase.Store(int32(PhaseParked))

	s.Park(st.id)

	s.SetState(st.id, saved)
	st.phase.Store(int32(PhaseRequested))
}

// Release delivers a wakeup to a thread whose barrier arrival was accepted.
// If the thread is already parked, a conditional wake targeting the
// checkpointing state is used; if the wake misses (the thread arrived but has
// not finished parking yet), a force wake is delivered instead and sits in
// the thread's wake slot until its park begins. Returns false when the
// conditional wake missed.
//
// Release must not be called for a thread that never arrived; a wake with no
// matching park would sit in the wake slot and spring a later round's park.
func (st *State) Release(s sched.Scheduler) bool {
	if st.Phase() == PhaseParked {
		woke := s.Wake(st.id, proc.StateCheckpointing)
		if woke {
			return true
		}
	}

	s.ForceWake(st.id)

	return false
}
