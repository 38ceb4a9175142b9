package sched

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

// ErrUnknownThread is returned when an operation names a thread that was
// never registered with the scheduler.
var ErrUnknownThread = errors.New("unknown thread")

// SimScheduler is an in-process Scheduler backed by channel-parked
// goroutines. Each registered thread owns a one-slot wake channel, so a wake
// delivered between a state transition and the matching Park is not lost.
type SimScheduler struct {
	mu      sync.Mutex
	threads map[proc.ThreadID]*simThread
}

type simThread struct {
	state proc.State
	wake  chan struct{}
}

// NewSimScheduler creates an empty simulated scheduler.
func NewSimScheduler() *SimScheduler {
	return &SimScheduler{threads: make(map[proc.ThreadID]*simThread)}
}

// Register adds a thread in the runnable state. Registering an existing
// thread is an error.
func (s *SimScheduler) Register(t proc.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.threads[t]
	if exists {
		return fmt.Errorf("register thread %d: already registered", t)
	}

	s.threads[t] = &simThread{
		state: proc.StateRunnable,
		wake:  make(chan struct{}, 1),
	}

	return nil
}

// Unregister removes a thread. Any pending wakeup is discarded.
func (s *SimScheduler) Unregister(t proc.ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, t)
}

// Park blocks the calling goroutine until a wakeup is delivered for t.
// Must be called from the goroutine that models thread t.
func (s *SimScheduler) Park(t proc.ThreadID) {
	st := s.lookup(t)
	if st == nil {
		return
	}

	<-st.wake
}

// Wake delivers a wakeup to t only if it currently occupies the expected
// state. Returns false when the state does not match or the thread is unknown.
func (s *SimScheduler) Wake(t proc.ThreadID, expected proc.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[t]
	if !ok || st.state != expected {
		return false
	}

	deliver(st)

	return true
}

// ForceWake delivers a wakeup to t regardless of its state.
func (s *SimScheduler) ForceWake(t proc.ThreadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[t]
	if !ok {
		return
	}

	deliver(st)
}

// SetState records the scheduling state of t.
func (s *SimScheduler) SetState(t proc.ThreadID, state proc.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[t]
	if !ok {
		return
	}

	st.state = state
}

// GetState returns the scheduling state of t, or StateStopped for an unknown
// thread.
func (s *SimScheduler) GetState(t proc.ThreadID) proc.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[t]
	if !ok {
		return proc.StateStopped
	}

	return st.state
}

// lookup returns the thread record under lock, or nil if unknown.
func (s *SimScheduler) lookup(t proc.ThreadID) *simThread {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.threads[t]
}

// deliver places a wakeup in the thread's slot. Duplicate wakeups collapse
// into one, matching the at-most-one-pending semantics of a wait-queue wake.
func deliver(st *simThread) {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}
