// Package sched defines the scheduler capability consumed by the checkpoint
// protocol, plus an in-process simulated scheduler for tests and the CLI
// simulator. The protocol never manipulates threads directly; everything goes
// through the Scheduler interface so the barrier logic is testable without a
// real scheduler.
package sched

import "github.com/Sumatoshi-tech/quiesce/pkg/proc"

// Scheduler parks, wakes, and retargets threads by identifier.
//
// Park is called by the thread being parked and blocks until a wake is
// delivered. Wake delivers a wakeup only if the thread currently occupies the
// expected state; ForceWake delivers one regardless of state. SetState and
// GetState read and write the thread's scheduling state without waking it.
type Scheduler interface {
	Park(t proc.ThreadID)
	Wake(t proc.ThreadID, expected proc.State) bool
	ForceWake(t proc.ThreadID)
	SetState(t proc.ThreadID, s proc.State)
	GetState(t proc.ThreadID) proc.State
}
