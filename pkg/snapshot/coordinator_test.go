package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

// stubCapture implements every capturer with programmable failures and
// revert accounting.
type stubCapture struct {
	mu sync.Mutex

	filesErr   error
	signalsErr error
	reverts    int
	reverted   FileSnapshot
}

func (sc *stubCapture) CaptureOpenFiles(proc.GroupID) (FileSnapshot, error) {
	if sc.filesErr != nil {
		return FileSnapshot{}, sc.filesErr
	}

	return FileSnapshot{Entries: []FileEntry{{FD: 0, Path: "/dev/null"}}}, nil
}

func (sc *stubCapture) RevertOpenFiles(_ proc.GroupID, fs FileSnapshot) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.reverts++
	sc.reverted = fs
}

func (sc *stubCapture) CapturePendingSignals(proc.GroupID) (SignalSnapshot, error) {
	if sc.signalsErr != nil {
		return SignalSnapshot{}, sc.signalsErr
	}

	return SignalSnapshot{Pending: []int{2}}, nil
}

func (sc *stubCapture) CaptureRegisters(t proc.ThreadID) RegisterSet {
	return RegisterSet{ThreadID: t, Regs: []uint64{uint64(t), 42}}
}

func (sc *stubCapture) revertCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.reverts
}

// memorySink collects persisted snapshots in memory.
type memorySink struct {
	mu    sync.Mutex
	err   error
	snaps []*ProcessSnapshot
}

func (ms *memorySink) Persist(_ context.Context, snap *ProcessSnapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.err != nil {
		return ms.err
	}

	ms.snaps = append(ms.snaps, snap)

	return nil
}

func (ms *memorySink) count() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return len(ms.snaps)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(capture *stubCapture, sink *memorySink, alloc Allocator) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		Files:     capture,
		Signals:   capture,
		Registers: capture,
		Sink:      sink,
		Logger:    discardLogger(),
		Now:       func() time.Time { return time.Unix(1700000000, 0).UTC() },
		Alloc:     alloc,
	})
}

func TestCoordinator_Run_Success(t *testing.T) {
	t.Parallel()

	capture := &stubCapture{}
	sink := &memorySink{}
	c := newTestCoordinator(capture, sink, nil)

	threads := []proc.ThreadID{100, 101, 102}

	snap, err := c.Run(context.Background(), 1, threads)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, proc.GroupID(1), snap.GroupID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), snap.TakenAt)
	assert.Len(t, snap.Files.Entries, 1)
	assert.Equal(t, []int{2}, snap.Signals.Pending)

	require.Len(t, snap.Threads, len(threads))
	for i, rs := range snap.Threads {
		assert.Equal(t, threads[i], rs.ThreadID)
	}

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 0, capture.revertCount())
}

func TestCoordinator_Run_FileCaptureFails(t *testing.T) {
	t.Parallel()

	capture := &stubCapture{filesErr: errors.New("fd table busy")}
	sink := &memorySink{}
	c := newTestCoordinator(capture, sink, nil)

	snap, err := c.Run(context.Background(), 1, []proc.ThreadID{100})
	require.Error(t, err)
	assert.Nil(t, snap)

	// Nothing succeeded, so nothing is reverted.
	assert.Equal(t, 0, capture.revertCount())
	assert.Equal(t, 0, sink.count())
}

func TestCoordinator_Run_SignalCaptureFailsRevertsFiles(t *testing.T) {
	t.Parallel()

	capture := &stubCapture{signalsErr: errors.New("sigqueue unavailable")}
	sink := &memorySink{}
	c := newTestCoordinator(capture, sink, nil)

	snap, err := c.Run(context.Background(), 1, []proc.ThreadID{100, 101})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPartialCapture)
	assert.Nil(t, snap)

	// The completed file capture was rolled back, with the captured
	// snapshot handed to the revert.
	assert.Equal(t, 1, capture.revertCount())
	assert.Len(t, capture.reverted.Entries, 1)
	assert.Equal(t, 0, sink.count())
}

func TestCoordinator_Run_AllocationFailure(t *testing.T) {
	t.Parallel()

	capture := &stubCapture{}
	sink := &memorySink{}
	alloc := func(int) ([]RegisterSet, error) {
		return nil, errors.New("out of memory")
	}
	c := newTestCoordinator(capture, sink, alloc)

	snap, err := c.Run(context.Background(), 1, []proc.ThreadID{100})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Nil(t, snap)

	// Allocation is the first step; no capture ran, no revert needed.
	assert.Equal(t, 0, capture.revertCount())
	assert.Equal(t, 0, sink.count())
}

func TestCoordinator_Run_SinkFailure(t *testing.T) {
	t.Parallel()

	capture := &stubCapture{}
	sink := &memorySink{err: errors.New("disk full")}
	c := newTestCoordinator(capture, sink, nil)

	snap, err := c.Run(context.Background(), 1, []proc.ThreadID{100})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPartialCapture)
	assert.Contains(t, err.Error(), "persist snapshot")
	assert.Nil(t, snap)

	// A failed hand-off rolls back the file capture too.
	assert.Equal(t, 1, capture.revertCount())
}
