// Package checkpoint implements the coordinated thread-group checkpoint
// protocol: a trigger marks every thread of a group as needing a checkpoint,
// each thread arrives at the group barrier and parks, the designated leader
// waits for completion bounded by a timeout, captures the process snapshot
// while every other thread is provably parked, then releases everyone and
// resets the round.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/quiesce/pkg/clock"
	"github.com/Sumatoshi-tech/quiesce/pkg/config"
	"github.com/Sumatoshi-tech/quiesce/pkg/deadline"
	"github.com/Sumatoshi-tech/quiesce/pkg/observability"
	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
	"github.com/Sumatoshi-tech/quiesce/pkg/quiescent"
	"github.com/Sumatoshi-tech/quiesce/pkg/sched"
	"github.com/Sumatoshi-tech/quiesce/pkg/snapshot"
)

// backstopGrace is how long past the barrier deadline the trigger waits for
// the leader to act before aborting the round itself. The backstop covers
// the case where the leader thread never runs its checkpoint entry at all.
const backstopGrace = 50 * time.Millisecond

// Abort initiator labels for logs.
const (
	abortByLeader  = "leader"
	abortByTrigger = "trigger"
	abortByCancel  = "cancel"
)

// ControllerConfig holds the collaborators for a Controller.
type ControllerConfig struct {
	Scheduler   sched.Scheduler
	Coordinator *snapshot.Coordinator
	Checkpoint  config.CheckpointConfig

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to no-op instruments.
	Metrics *observability.RoundMetrics
}

// Controller owns the thread groups and drives checkpoint rounds across
// them. All scheduler interaction goes through the injected capability.
type Controller struct {
	mu     sync.RWMutex
	groups map[proc.GroupID]*Group

	sched   sched.Scheduler
	clk     clock.Clock
	coord   *snapshot.Coordinator
	cfg     config.CheckpointConfig
	logger  *slog.Logger
	metrics *observability.RoundMetrics
}

// NewController creates a controller from its collaborators.
func NewController(cfg ControllerConfig) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopRoundMetrics()
	}

	return &Controller{
		groups:  make(map[proc.GroupID]*Group),
		sched:   cfg.Scheduler,
		clk:     clk,
		coord:   cfg.Coordinator,
		cfg:     cfg.Checkpoint,
		logger:  lg,
		metrics: metrics,
	}
}

// CreateGroup registers a new thread group with its designated leader as the
// first member.
func (c *Controller) CreateGroup(id proc.GroupID, leader proc.ThreadID) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.groups[id]
	if exists {
		return nil, fmt.Errorf("%w: %d", ErrGroupExists, id)
	}

	g := newGroup(id, leader)
	c.groups[id] = g

	return g, nil
}

// Group returns the group with the given identifier.
func (c *Controller) Group(id proc.GroupID) (*Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}

	return g, nil
}

// AddThread registers a thread with a group. Membership is frozen while a
// round is in flight: a thread cannot join between REQUESTED and the round's
// reset, so the expected count fixed at REQUESTED time stays authoritative.
func (c *Controller) AddThread(id proc.GroupID, t proc.ThreadID) error {
	g, err := c.Group(id)
	if err != nil {
		return err
	}

	if !g.roundMu.TryLock() {
		return fmt.Errorf("%w: cannot add thread %d to group %d", ErrRoundActive, t, id)
	}
	defer g.roundMu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	_, exists := g.threads[t]
	if exists {
		return fmt.Errorf("%w: %d", ErrDuplicateThread, t)
	}

	g.order = append(g.order, t)
	g.threads[t] = quiescent.NewState(t)

	return nil
}

// RemoveThread unregisters a thread from a group. The leader cannot be
// removed, and membership is frozen while a round is in flight.
func (c *Controller) RemoveThread(id proc.GroupID, t proc.ThreadID) error {
	g, err := c.Group(id)
	if err != nil {
		return err
	}

	if t == g.leader {
		return fmt.Errorf("%w: thread %d leads group %d", ErrProtocolViolation, t, id)
	}

	if !g.roundMu.TryLock() {
		return fmt.Errorf("%w: cannot remove thread %d from group %d", ErrRoundActive, t, id)
	}
	defer g.roundMu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	_, exists := g.threads[t]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownThread, t)
	}

	delete(g.threads, t)

	for i, member := range g.order {
		if member == t {
			g.order = append(g.order[:i], g.order[i+1:]...)

			break
		}
	}

	return nil
}

// PendingCheckpoint reports whether thread t has been asked to checkpoint.
// Thread bodies poll this between units of work.
func (c *Controller) PendingCheckpoint(id proc.GroupID, t proc.ThreadID) bool {
	g, err := c.Group(id)
	if err != nil {
		return false
	}

	st, ok := g.state(t)
	if !ok {
		return false
	}

	return st.Pending()
}

// RequestCheckpoint checkpoints the whole group: it fixes the participant
// set, marks every thread pending, and blocks until the round completes.
// Threads notice the flag at their next request-check point. Exactly one
// round per group can be in flight; a concurrent request is rejected with
// ErrRoundActive.
//
// The request is lightweight; the real work happens on each thread's own
// path through CheckpointThread. If the leader never runs it, the trigger
// aborts the round itself shortly after the barrier deadline so no request
// blocks forever.
func (c *Controller) RequestCheckpoint(ctx context.Context, id proc.GroupID) (Outcome, error) {
	g, err := c.Group(id)
	if err != nil {
		return Outcome{}, err
	}

	if !g.roundMu.TryLock() {
		return Outcome{}, fmt.Errorf("%w: group %d", ErrRoundActive, id)
	}
	defer g.roundMu.Unlock()

	threads, states := g.members()

	r := &round{
		expected:    int32(len(threads)),
		threads:     threads,
		states:      states,
		guard:       deadline.NewGuard(c.clk),
		requestedAt: c.clk.Now(),
		aborted:     make(chan struct{}),
		outcome:     make(chan Outcome, 1),
	}

	timeout := c.cfg.EffectiveBarrierTimeout()
	r.guard.Start(timeout)
	r.epoch = g.barrier.Arm(r.expected)
	g.round.Store(r)

	c.logger.Info("checkpoint requested",
		slog.Int("group", int(id)),
		slog.Int("threads", len(threads)),
		slog.Duration("barrier_timeout", timeout),
	)

	// A wakeup is never delivered here. A wake for a thread that is not
	// parked would sit in its wake slot and spring the next park early;
	// running threads notice the pending flag on their own.
	for _, st := range states {
		st.MarkPending(r.epoch)
	}

	for {
		select {
		case out := <-r.outcome:
			return out, nil

		case <-ctx.Done():
			if r.finished.CompareAndSwap(false, true) {
				return c.abortRound(g, r, StatusError, ctx.Err(), abortByCancel), nil
			}

			return <-r.outcome, nil

		case <-c.clk.After(r.guard.Remaining() + backstopGrace):
			if r.finished.Load() || g.barrier.IsComplete() {
				continue
			}

			if r.finished.CompareAndSwap(false, true) {
				return c.abortRound(g, r, StatusTimedOut, nil, abortByTrigger), nil
			}
		}
	}
}

// CheckpointThread is the per-thread protocol entry, invoked by every thread
// of the group (leader included) once it notices its pending flag. Non-leader
// threads arrive and park until released; the leader arrives, waits for
// barrier completion bounded by the timeout guard, and drives capture or
// abort.
func (c *Controller) CheckpointThread(ctx context.Context, id proc.GroupID, t proc.ThreadID) error {
	g, err := c.Group(id)
	if err != nil {
		return err
	}

	st, ok := g.state(t)
	if !ok {
		return fmt.Errorf("%w: thread %d in group %d", ErrUnknownThread, t, id)
	}

	r := g.round.Load()
	if r == nil {
		if st.Pending() {
			st.ClearPending()

			return fmt.Errorf("%w: thread %d has a pending request but no active round", ErrProtocolViolation, t)
		}

		// The thread noticed its flag, but the round was aborted before it
		// got here. Nothing to do.
		c.logger.Debug("late checkpoint entry after round end",
			slog.Int("group", int(id)),
			slog.Int("thread", int(t)),
		)

		return nil
	}

	// Round-scoped clear: if this thread returns after the round's tail has
	// already run and the next round has marked it pending again, the
	// compare-and-swap misses and the new round's flag survives.
	defer st.ClearPendingFor(r.epoch)

	if !st.Pending() {
		if r.finished.Load() {
			return nil
		}

		return fmt.Errorf("%w: thread %d entered checkpoint without a pending request", ErrProtocolViolation, t)
	}

	n, accepted := g.barrier.Arrive(r.epoch, t)
	if !accepted {
		// The round ended (timeout) before this thread got to run; its
		// arrival belongs to no round and is discarded.
		c.logger.Debug("stale barrier arrival discarded",
			slog.Int("group", int(id)),
			slog.Int("thread", int(t)),
		)

		return nil
	}

	if n > r.expected {
		return fmt.Errorf("%w: arrival %d exceeds expected %d in group %d", ErrProtocolViolation, n, r.expected, id)
	}

	if t != g.leader {
		c.metrics.ThreadParked(ctx, 1)
		st.EnterBarrier(c.sched)
		c.metrics.ThreadParked(ctx, -1)

		return nil
	}

	return c.leadRound(ctx, g, r)
}

// leadRound is the leader's wait: barrier completion against the timeout
// guard. The guard's deadline was captured at REQUESTED time, so a leader
// that starts late inherits the remaining budget, not a fresh one.
func (c *Controller) leadRound(ctx context.Context, g *Group, r *round) error {
	waitStart := c.clk.Now()

	for {
		select {
		case <-g.barrier.Done():
			if !r.finished.CompareAndSwap(false, true) {
				return nil
			}

			c.completeRound(ctx, g, r, c.clk.Now().Sub(waitStart))

			return nil

		case <-r.aborted:
			return nil

		case <-c.clk.After(r.guard.Remaining()):
			// Completion wins a race with expiry.
			if g.barrier.IsComplete() || !r.guard.Expired() {
				continue
			}

			if !r.finished.CompareAndSwap(false, true) {
				return nil
			}

			c.abortRound(g, r, StatusTimedOut, nil, abortByLeader)

			return nil
		}
	}
}

// completeRound runs on the leader after barrier completion: capture with
// rollback on partial failure, then the strictly ordered tail every path
// shares — wake all parked threads, reset the barrier, clear every pending
// flag, publish the outcome.
func (c *Controller) completeRound(ctx context.Context, g *Group, r *round, wait time.Duration) {
	if c.cfg.DebugVerbose {
		c.paranoidStateCheck(g, r)
	}

	c.logger.Debug("barrier complete",
		slog.Int("group", int(g.id)),
		slog.Duration("elapsed", wait),
	)

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.CaptureJobTimeout)
	defer cancel()

	out := Outcome{BarrierWait: wait}

	snap, err := c.coord.Run(jobCtx, g.id, r.threads)
	if err != nil {
		out.Status = StatusError
		out.Err = err

		c.logger.Error("snapshot capture failed",
			slog.Int("group", int(g.id)),
			slog.String("error", err.Error()),
		)
	} else {
		out.Status = StatusSuccess
		out.Snapshot = snap
	}

	// Capture failed or not, every parked thread must be woken; a failed
	// round must never leave the group parked.
	c.releaseGroup(g, r)
	c.finishRound(ctx, g, r, out)
}

// abortRound force-ends a round whose barrier did not complete. It first
// invalidates the round token, atomically learning which arrivals were
// accepted: a racing arrival either landed before the drain (its thread is
// in the returned set and gets released) or is rejected as stale and never
// parks. Then it logs per-thread diagnostics, releases every drained thread
// through its saved-state path, and runs the shared ordered tail.
func (c *Controller) abortRound(g *Group, r *round, status Status, cause error, by string) Outcome {
	drained := g.barrier.Drain()

	arrived := make(map[proc.ThreadID]bool, len(drained))
	for _, t := range drained {
		arrived[t] = true
	}

	c.logger.Warn("aborting checkpoint round",
		slog.Int("group", int(g.id)),
		slog.String("initiator", by),
		slog.Int("arrived", len(drained)),
		slog.Int("expected", int(r.expected)),
	)

	for i, st := range r.states {
		t := r.threads[i]

		c.logger.Debug("thread state at abort",
			slog.Int("thread", int(t)),
			slog.String("state", c.sched.GetState(t).String()),
			slog.Bool("pending", st.Pending()),
			slog.Bool("arrived", arrived[t]),
		)

		switch {
		case t == g.leader:
			// The leader never parks; closing the abort channel below is
			// what unsticks a leader waiting on the barrier.
		case arrived[t]:
			c.releaseThread(g, st)
		default:
			// Never arrived, never parked. Delivering a wake here would
			// poison the thread's wake slot for the next round.
		}
	}

	out := Outcome{
		Status:      status,
		Err:         cause,
		BarrierWait: c.clk.Now().Sub(r.requestedAt),
	}

	ctx := context.Background()
	if status == StatusTimedOut {
		c.metrics.RecordTimeout(ctx)
	}

	c.finishRound(ctx, g, r, out)
	close(r.aborted)

	return out
}

// releaseGroup wakes every parked non-leader thread of a completed round.
func (c *Controller) releaseGroup(g *Group, r *round) {
	for i, st := range r.states {
		if r.threads[i] == g.leader {
			continue
		}

		c.releaseThread(g, st)
	}
}

// releaseThread releases one arrived thread, logging when the conditional
// wake missed and a force wake was delivered instead.
func (c *Controller) releaseThread(g *Group, st *quiescent.State) {
	woke := st.Release(c.sched)
	if !woke {
		c.logger.Warn("conditional wake missed, forced",
			slog.Int("group", int(g.id)),
			slog.Int("thread", int(st.ThreadID())),
			slog.String("state", c.sched.GetState(st.ThreadID()).String()),
		)
	}
}

// finishRound runs the strictly ordered round tail: reset the barrier, clear
// every pending flag, detach the round, record metrics, publish the outcome.
// The trigger still holds the round lock until the published outcome is
// received, so the next round's REQUESTED phase cannot begin before this
// completes.
func (c *Controller) finishRound(ctx context.Context, g *Group, r *round, out Outcome) {
	g.barrier.Reset()

	for _, st := range r.states {
		st.ClearPending()
	}

	g.round.Store(nil)

	c.metrics.RecordRound(ctx, out.Status.String(), out.BarrierWait)

	c.logger.Info("checkpoint round finished",
		slog.Int("group", int(g.id)),
		slog.String("outcome", out.Status.String()),
		slog.Duration("barrier_wait", out.BarrierWait),
	)

	r.outcome <- out
}

// paranoidStateCheck verifies, under debug-verbose mode, that every arrived
// non-leader thread really occupies the checkpointing state before capture
// begins.
func (c *Controller) paranoidStateCheck(g *Group, r *round) {
	for i, st := range r.states {
		t := r.threads[i]
		if t == g.leader {
			continue
		}

		state := c.sched.GetState(t)
		if state != proc.StateCheckpointing {
			c.logger.Warn("BUG: thread not quiescent at capture",
				slog.Int("group", int(g.id)),
				slog.Int("thread", int(t)),
				slog.String("state", state.String()),
				slog.String("phase", fmt.Sprintf("%d", st.Phase())),
			)
		}
	}
}
