package snapshot

import (
	"context"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

// FileCapturer captures and reverts the group-shared open-file table.
// RevertOpenFiles exists so the coordinator can undo a completed file capture
// when a later capture step fails; after a revert, external file state must
// match the pre-capture baseline exactly.
type FileCapturer interface {
	CaptureOpenFiles(g proc.GroupID) (FileSnapshot, error)
	RevertOpenFiles(g proc.GroupID, fs FileSnapshot)
}

// SignalCapturer captures the group's pending signal set.
type SignalCapturer interface {
	CapturePendingSignals(g proc.GroupID) (SignalSnapshot, error)
}

// RegisterCapturer captures one thread's register set. Register capture is
// non-blocking and allocation-free, so it does not fail.
type RegisterCapturer interface {
	CaptureRegisters(t proc.ThreadID) RegisterSet
}

// Sink receives the fully populated snapshot at the end of a successful
// round. Implementations own the capture-job deadline carried by ctx.
type Sink interface {
	Persist(ctx context.Context, snap *ProcessSnapshot) error
}
