package simproc

import (
	"sync"
	"sync/atomic"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
	"github.com/Sumatoshi-tech/quiesce/pkg/snapshot"
)

// registerWords is the number of register words the simulated CPU exposes.
const registerWords = 4

// Capture implements the snapshot capture collaborators against a simulated
// process: the open-file table and signal set are synthetic process state,
// and each thread's "registers" are derived from its work counter, so a
// snapshot taken at the barrier reflects exactly the work done before it.
type Capture struct {
	proc *Process

	mu    sync.Mutex
	files []snapshot.FileEntry

	reverts atomic.Int64
}

// NewCapture creates capture collaborators with a small synthetic open-file
// table. Bind attaches the process once it exists; the capture collaborators
// are built first because the checkpoint controller sits between them and
// the process.
func NewCapture() *Capture {
	return &Capture{
		files: []snapshot.FileEntry{
			{FD: 0, Path: "/dev/stdin", Offset: 0, Flags: 0},
			{FD: 1, Path: "/dev/stdout", Offset: 0, Flags: 1},
			{FD: 3, Path: "/var/run/sim.sock", Offset: 0, Flags: 2},
		},
	}
}

// Bind attaches the process whose threads are captured.
func (c *Capture) Bind(p *Process) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.proc = p
}

// Reverts returns how many times a file capture has been reverted.
func (c *Capture) Reverts() int64 {
	return c.reverts.Load()
}

// CaptureOpenFiles implements snapshot.FileCapturer.
func (c *Capture) CaptureOpenFiles(_ proc.GroupID) (snapshot.FileSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]snapshot.FileEntry, len(c.files))
	copy(entries, c.files)

	return snapshot.FileSnapshot{Entries: entries}, nil
}

// RevertOpenFiles implements snapshot.FileCapturer.
func (c *Capture) RevertOpenFiles(_ proc.GroupID, _ snapshot.FileSnapshot) {
	c.reverts.Add(1)
}

// CapturePendingSignals implements snapshot.SignalCapturer. The simulated
// process has no pending signals.
func (c *Capture) CapturePendingSignals(_ proc.GroupID) (snapshot.SignalSnapshot, error) {
	return snapshot.SignalSnapshot{}, nil
}

// CaptureRegisters implements snapshot.RegisterCapturer. Register capture is
// non-blocking and allocation-free apart from the result itself.
func (c *Capture) CaptureRegisters(t proc.ThreadID) snapshot.RegisterSet {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()

	var counter uint64

	if p != nil {
		for i, id := range p.threads {
			if id == t {
				counter = p.counters[i].Load()

				break
			}
		}
	}

	regs := make([]uint64, registerWords)
	regs[0] = counter
	regs[1] = uint64(t)

	return snapshot.RegisterSet{ThreadID: t, Regs: regs}
}
