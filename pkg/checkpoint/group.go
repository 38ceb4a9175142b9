package checkpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sumatoshi-tech/quiesce/pkg/barrier"
	"github.com/Sumatoshi-tech/quiesce/pkg/deadline"
	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
	"github.com/Sumatoshi-tech/quiesce/pkg/quiescent"
	"github.com/Sumatoshi-tech/quiesce/pkg/snapshot"
)

// Group is the unit of checkpointing: the set of threads sharing one process
// identity, the group's barrier, and the exclusion lock that keeps rounds
// from overlapping. The leader is fixed at creation (conventionally the
// thread that created the group) and identified by ID, never by pointer
// identity.
type Group struct {
	id     proc.GroupID
	leader proc.ThreadID

	mu      sync.Mutex
	order   []proc.ThreadID
	threads map[proc.ThreadID]*quiescent.State

	barrier *barrier.Barrier

	// roundMu serializes rounds: it is held by the trigger from REQUESTED
	// until the round's wake/reset/clear sequence has completed, so two
	// rounds can never interleave their flags or counts.
	roundMu sync.Mutex
	round   atomic.Pointer[round]
}

// newGroup creates a group with its leader as the first member.
func newGroup(id proc.GroupID, leader proc.ThreadID) *Group {
	g := &Group{
		id:      id,
		leader:  leader,
		threads: make(map[proc.ThreadID]*quiescent.State),
		barrier: barrier.New(),
	}

	g.order = append(g.order, leader)
	g.threads[leader] = quiescent.NewState(leader)

	return g
}

// ID returns the group identifier.
func (g *Group) ID() proc.GroupID {
	return g.id
}

// Leader returns the identifier of the group's designated leader thread.
func (g *Group) Leader() proc.ThreadID {
	return g.leader
}

// Threads returns the member thread identifiers in registration order.
func (g *Group) Threads() []proc.ThreadID {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]proc.ThreadID, len(g.order))
	copy(out, g.order)

	return out
}

// Barrier exposes the group's arrival barrier.
func (g *Group) Barrier() *barrier.Barrier {
	return g.barrier
}

// state returns the checkpoint state of a member thread.
func (g *Group) state(t proc.ThreadID) (*quiescent.State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.threads[t]

	return st, ok
}

// members snapshots the membership for a round: identifiers and states in
// registration order.
func (g *Group) members() ([]proc.ThreadID, []*quiescent.State) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]proc.ThreadID, len(g.order))
	copy(ids, g.order)

	states := make([]*quiescent.State, 0, len(ids))
	for _, id := range ids {
		states = append(states, g.threads[id])
	}

	return ids, states
}

// round is one checkpoint round's private state: the participant set fixed
// at REQUESTED time, the barrier token, the timeout guard, and the gate that
// lets exactly one completion path (leader success, leader abort, trigger
// backstop) run.
type round struct {
	epoch    uint64
	expected int32
	threads  []proc.ThreadID
	states   []*quiescent.State

	guard       *deadline.Guard
	requestedAt time.Time

	finished atomic.Bool
	aborted  chan struct{}
	outcome  chan Outcome
}

// Outcome is the result of one checkpoint round reported to the trigger.
type Outcome struct {
	// Status classifies the round: success, timed out, or capture error.
	Status Status

	// Snapshot is the captured snapshot on success, nil otherwise. It has
	// already been handed to the sink.
	Snapshot *snapshot.ProcessSnapshot

	// Err carries the capture error detail when Status is StatusError.
	Err error

	// BarrierWait is how long the round waited for barrier completion.
	BarrierWait time.Duration
}
