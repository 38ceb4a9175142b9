// Package proc defines the identity and scheduling-state vocabulary shared by
// the checkpoint protocol packages: thread and group identifiers plus the
// scheduling states a thread can occupy.
package proc

import "fmt"

// ThreadID identifies a single schedulable thread within a process.
type ThreadID int32

// GroupID identifies a thread group (all threads sharing one process identity).
type GroupID int32

// State is the scheduling state of a thread as seen by the scheduler.
type State int32

// Scheduling states.
const (
	// StateRunnable means the thread is running or ready to run.
	StateRunnable State = iota

	// StateInterruptible means the thread is blocked but wakeable.
	StateInterruptible

	// StateUninterruptible means the thread is blocked and cannot be woken
	// until the condition it waits on resolves.
	StateUninterruptible

	// StateCheckpointing means the thread is parked at the checkpoint barrier.
	StateCheckpointing

	// StateStopped means the thread has been stopped externally.
	StateStopped
)

// stateNames maps states to their display names.
var stateNames = map[State]string{
	StateRunnable:        "runnable",
	StateInterruptible:   "interruptible",
	StateUninterruptible: "uninterruptible",
	StateCheckpointing:   "checkpointing",
	StateStopped:         "stopped",
}

// String returns the display name of the state.
func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		return fmt.Sprintf("state(%d)", int32(s))
	}

	return name
}
