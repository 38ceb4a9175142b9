// Package simproc runs a simulated multi-threaded process under the
// simulated scheduler: worker goroutines that do busy work, honor checkpoint
// requests between work units, and park at the barrier like real threads.
// It backs the CLI simulator and the end-to-end tests.
package simproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/quiesce/pkg/checkpoint"
	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
	"github.com/Sumatoshi-tech/quiesce/pkg/sched"
)

// ErrNoThreads is returned when a process is configured with no threads.
var ErrNoThreads = errors.New("process needs at least one thread")

// DefaultBaseThreadID is the identifier of the first (leader) thread.
const DefaultBaseThreadID proc.ThreadID = 100

// Config holds the parameters for a simulated process.
type Config struct {
	GroupID    proc.GroupID
	Threads    int
	Controller *checkpoint.Controller
	Scheduler  *sched.SimScheduler
	Logger     *slog.Logger

	// BaseThreadID numbers the threads BaseThreadID..BaseThreadID+Threads-1;
	// the first is the group leader. Zero selects DefaultBaseThreadID.
	BaseThreadID proc.ThreadID

	// Stalled lists thread indexes that ignore checkpoint requests, for
	// exercising the barrier-timeout path.
	Stalled map[int]bool
}

// Process is a simulated multi-threaded process.
type Process struct {
	cfg      Config
	group    *checkpoint.Group
	threads  []proc.ThreadID
	counters []atomic.Uint64

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// New creates the process: it registers every thread with the scheduler and
// the checkpoint controller, with the first thread as group leader.
func New(cfg Config) (*Process, error) {
	if cfg.Threads < 1 {
		return nil, ErrNoThreads
	}

	if cfg.BaseThreadID == 0 {
		cfg.BaseThreadID = DefaultBaseThreadID
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	threads := make([]proc.ThreadID, cfg.Threads)
	for i := range threads {
		threads[i] = cfg.BaseThreadID + proc.ThreadID(i)
	}

	group, err := cfg.Controller.CreateGroup(cfg.GroupID, threads[0])
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	for i, t := range threads {
		regErr := cfg.Scheduler.Register(t)
		if regErr != nil {
			return nil, fmt.Errorf("register thread: %w", regErr)
		}

		if i == 0 {
			continue
		}

		addErr := cfg.Controller.AddThread(cfg.GroupID, t)
		if addErr != nil {
			return nil, fmt.Errorf("add thread: %w", addErr)
		}
	}

	return &Process{
		cfg:      cfg,
		group:    group,
		threads:  threads,
		counters: make([]atomic.Uint64, cfg.Threads),
	}, nil
}

// Group returns the process's thread group.
func (p *Process) Group() *checkpoint.Group {
	return p.group
}

// Threads returns the process's thread identifiers, leader first.
func (p *Process) Threads() []proc.ThreadID {
	return p.threads
}

// Counter returns the work counter of thread index i.
func (p *Process) Counter(i int) uint64 {
	return p.counters[i].Load()
}

// Start launches one goroutine per thread. The goroutines run until Stop.
func (p *Process) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	eg, egCtx := errgroup.WithContext(runCtx)
	p.eg = eg

	for i := range p.threads {
		eg.Go(func() error {
			return p.runThread(egCtx, i)
		})
	}
}

// Stop halts every thread and waits for them to exit.
func (p *Process) Stop() error {
	p.cancel()

	err := p.eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop process: %w", err)
	}

	return nil
}

// runThread is one thread's body: busy work, checkpoint entry when flagged.
func (p *Process) runThread(ctx context.Context, i int) error {
	t := p.threads[i]
	stalled := p.cfg.Stalled[i]

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.counters[i].Add(1)

		if !stalled && p.cfg.Controller.PendingCheckpoint(p.cfg.GroupID, t) {
			err := p.cfg.Controller.CheckpointThread(ctx, p.cfg.GroupID, t)
			if err != nil {
				p.cfg.Logger.Error("checkpoint entry failed",
					slog.Int("thread", int(t)),
					slog.String("error", err.Error()),
				)

				if errors.Is(err, checkpoint.ErrProtocolViolation) {
					return err
				}
			}
		}

		runtime.Gosched()
	}
}
