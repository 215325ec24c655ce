package solver

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tetra3d/internal/engine"
)

// DefaultFallbackTimeout bounds a solve when neither the caller's deadline
// nor the request says how long it may take.
const DefaultFallbackTimeout = time.Second

// Governor owns the engine. It serializes solves through a single-slot gate,
// bounds each one by its effective deadline, and routes cancellation to the
// solve currently running.
type Governor struct {
	engine   engine.Engine
	fallback time.Duration
	gate     *semaphore.Weighted

	mu      sync.Mutex
	seq     uint64
	current *inflight
}

type inflight struct {
	seq    uint64
	cancel context.CancelCauseFunc
}

// Execution describes one trip through the gate.
type Execution struct {
	Outcome *engine.Outcome
	Err     error
	// Started is false when the call never reached the engine.
	Started bool
	// Elapsed is wall-clock time around the engine call, or the time spent
	// queueing when the engine was never started.
	Elapsed  time.Duration
	GateWait time.Duration
	// Cancelled is set when Cancel interrupted this solve.
	Cancelled bool
	// DeadlineHit is set when the effective deadline had passed by the time
	// the engine returned.
	DeadlineHit bool
}

func NewGovernor(eng engine.Engine, fallback time.Duration) *Governor {
	if fallback <= 0 {
		fallback = DefaultFallbackTimeout
	}
	return &Governor{
		engine:   eng,
		fallback: fallback,
		gate:     semaphore.NewWeighted(1),
	}
}

// Budget is min(time left on ctx, requested); the fallback applies when
// neither is known.
func (g *Governor) Budget(ctx context.Context, requested time.Duration, hasRequested bool) time.Duration {
	deadline, hasDeadline := ctx.Deadline()
	switch {
	case hasDeadline && hasRequested:
		return min(time.Until(deadline), requested)
	case hasDeadline:
		return time.Until(deadline)
	case hasRequested:
		return requested
	default:
		return g.fallback
	}
}

// Bound derives the call context carrying the effective deadline. It is
// applied once at call entry so that every wait the call makes draws on the
// same budget.
func (g *Governor) Bound(ctx context.Context, p *Params) (context.Context, context.CancelFunc) {
	requested, ok := p.SolveTimeout.Get()
	return context.WithTimeout(ctx, g.Budget(ctx, requested, ok))
}

// Solve waits for the gate and runs the engine. ctx must come from Bound.
func (g *Governor) Solve(ctx context.Context, p *Params) Execution {
	queued := time.Now()
	if err := g.gate.Acquire(ctx, 1); err != nil {
		wait := time.Since(queued)
		return Execution{Err: err, Elapsed: wait, GateWait: wait, DeadlineHit: errors.Is(err, context.DeadlineExceeded)}
	}
	defer g.gate.Release(1)

	wait := time.Since(queued)
	// Acquire may succeed on an already expired context.
	if err := ctx.Err(); err != nil {
		return Execution{Err: err, Elapsed: wait, GateWait: wait, DeadlineHit: errors.Is(err, context.DeadlineExceeded)}
	}

	solveCtx, cancel := context.WithCancelCause(ctx)
	seq := g.begin(cancel)
	defer g.end(seq)

	var budget time.Duration
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		budget = time.Until(deadline)
		timer := time.AfterFunc(budget, func() { g.interrupt(seq) })
		defer timer.Stop()
	}

	start := time.Now()
	out, err := g.engine.Solve(solveCtx, p.Centroids, p.Size, p.Options(budget))
	elapsed := time.Since(start)

	return Execution{
		Outcome:     out,
		Err:         err,
		Started:     true,
		Elapsed:     elapsed,
		GateWait:    wait,
		Cancelled:   errors.Is(context.Cause(solveCtx), ErrCancelled),
		DeadlineHit: hasDeadline && !time.Now().Before(deadline),
	}
}

// Cancel interrupts the solve currently holding the gate and reports whether
// there was one. Queued calls are unaffected.
func (g *Governor) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return false
	}
	g.current.cancel(ErrCancelled)
	g.engine.Cancel()
	return true
}

// Busy reports whether a solve is running.
func (g *Governor) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}

func (g *Governor) begin(cancel context.CancelCauseFunc) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.current = &inflight{seq: g.seq, cancel: cancel}
	return g.seq
}

func (g *Governor) end(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && g.current.seq == seq {
		g.current.cancel(nil)
		g.current = nil
	}
}

// interrupt tells the engine to stop once the deadline passes, for engines
// that do not watch their context. It is a no-op if solve seq has finished.
func (g *Governor) interrupt(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && g.current.seq == seq {
		g.engine.Cancel()
	}
}
