package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
)

// Capture error classes.
var (
	// ErrResourceExhausted marks an allocation failure during capture. The
	// round aborts with no side effects performed.
	ErrResourceExhausted = errors.New("resource exhausted during capture")

	// ErrPartialCapture marks a capture step that failed after an earlier
	// step succeeded. The completed steps were reverted before this error
	// was returned.
	ErrPartialCapture = errors.New("partial capture failure")
)

// Allocator allocates the per-thread register array for a round. It exists
// as a seam so resource exhaustion on the first capture step can be exercised.
type Allocator func(n int) ([]RegisterSet, error)

// defaultAllocator sizes the register array to the round's thread count.
func defaultAllocator(n int) ([]RegisterSet, error) {
	return make([]RegisterSet, 0, n), nil
}

// CoordinatorConfig holds the collaborators for a Coordinator.
type CoordinatorConfig struct {
	Files     FileCapturer
	Signals   SignalCapturer
	Registers RegisterCapturer
	Sink      Sink
	Logger    *slog.Logger
	Now       func() time.Time

	// Alloc overrides the register-array allocator. Nil selects the default.
	Alloc Allocator
}

// Coordinator performs the capture steps of a checkpoint round in a fixed
// order: allocate, group-shared state (files then signals), per-thread
// registers, then hand-off to the sink. Any failure reverts completed steps
// so the round leaves no residual side effect; releasing parked threads is
// the caller's job and must happen regardless of the outcome here.
type Coordinator struct {
	files   FileCapturer
	signals SignalCapturer
	regs    RegisterCapturer
	sink    Sink
	logger  *slog.Logger
	now     func() time.Time
	alloc   Allocator
}

// NewCoordinator creates a Coordinator from its collaborators.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	alloc := cfg.Alloc
	if alloc == nil {
		alloc = defaultAllocator
	}

	return &Coordinator{
		files:   cfg.Files,
		signals: cfg.Signals,
		regs:    cfg.Registers,
		sink:    cfg.Sink,
		logger:  lg,
		now:     now,
		alloc:   alloc,
	}
}

// Run captures a snapshot of the group, invoked by the round leader only
// after barrier completion, while every other thread is provably parked.
func (c *Coordinator) Run(ctx context.Context, g proc.GroupID, threads []proc.ThreadID) (*ProcessSnapshot, error) {
	regs, allocErr := c.alloc(len(threads))
	if allocErr != nil {
		return nil, fmt.Errorf("%w: allocate %d register sets: %w", ErrResourceExhausted, len(threads), allocErr)
	}

	// Group-shared state first, then per-thread state.
	files, filesErr := c.files.CaptureOpenFiles(g)
	if filesErr != nil {
		return nil, fmt.Errorf("capture open files: %w", filesErr)
	}

	signals, sigErr := c.signals.CapturePendingSignals(g)
	if sigErr != nil {
		c.files.RevertOpenFiles(g, files)

		return nil, fmt.Errorf("%w: capture pending signals: %w", ErrPartialCapture, sigErr)
	}

	for _, t := range threads {
		regs = append(regs, c.regs.CaptureRegisters(t))
	}

	snap := &ProcessSnapshot{
		GroupID: g,
		TakenAt: c.now(),
		Files:   files,
		Signals: signals,
		Threads: regs,
	}

	persistErr := c.sink.Persist(ctx, snap)
	if persistErr != nil {
		// A failed hand-off reverts completed steps like any failed step.
		c.files.RevertOpenFiles(g, files)

		return nil, fmt.Errorf("%w: persist snapshot: %w", ErrPartialCapture, persistErr)
	}

	c.logger.Debug("snapshot captured",
		slog.Int("group", int(g)),
		slog.Int("threads", len(threads)),
	)

	return snap, nil
}
