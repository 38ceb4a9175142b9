// Package snapshot defines the process snapshot artifact, the capture
// collaborator interfaces, and the coordinator that drives capture in a fixed
// order with rollback on partial failure.
package snapshot

import (
	"time"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

// RegisterSet is one thread's captured CPU register state, tagged by the
// thread it belongs to.
type RegisterSet struct {
	ThreadID proc.ThreadID `json:"thread_id"`
	Regs     []uint64      `json:"regs"`
}

// FileEntry describes one open file table slot.
type FileEntry struct {
	FD     int    `json:"fd"`
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Flags  int    `json:"flags"`
}

// FileSnapshot is the captured open-file table, shared by the whole group.
type FileSnapshot struct {
	Entries []FileEntry `json:"entries"`
}

// SignalSnapshot is the captured set of group-pending signals.
type SignalSnapshot struct {
	Pending []int `json:"pending"`
}

// ProcessSnapshot is the output artifact of one successful checkpoint round:
// group-shared state captured exactly once plus one register set per thread.
// It is either fully populated or it does not exist; the coordinator reverts
// partial captures instead of returning a half-built snapshot.
type ProcessSnapshot struct {
	GroupID proc.GroupID   `json:"group_id"`
	TakenAt time.Time      `json:"taken_at"`
	Files   FileSnapshot   `json:"files"`
	Signals SignalSnapshot `json:"signals"`
	Threads []RegisterSet  `json:"threads"`
}
