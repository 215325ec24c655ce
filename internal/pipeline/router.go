package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tetra3d/internal/pb"
	"tetra3d/internal/solver"
)

// solveGate is the governor as the router sees it.
type solveGate interface {
	Solve(ctx context.Context, p *solver.Params) solver.Execution
}

type transformFunc func(*pb.TransformRequest) (*pb.TransformResponse, error)

// router implements Processor and routes jobs to their handlers.
type router struct {
	log       *slog.Logger
	gate      solveGate
	transform transformFunc
}

// NewRouter returns the Processor that runs solves through gate and
// transforms through solver.Transform.
func NewRouter(logger *slog.Logger, gate *solver.Governor) Processor {
	return newRouter(logger, gate, solver.Transform)
}

func newRouter(logger *slog.Logger, gate solveGate, transform transformFunc) *router {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, gate: gate, transform: transform}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve:
		return r.handleSolve(ctx, job)
	case JobTransform:
		return r.handleTransform(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleSolve(ctx context.Context, job Job) Result {
	if job.Rejected != nil {
		return Result{
			Job:     job,
			Solve:   solver.Rejected(job.Rejected, time.Since(job.Received)),
			Failure: solver.PreconditionFailed,
		}
	}
	if job.Params == nil {
		return Result{Job: job, Error: errors.New("solve job without parameters")}
	}

	ex := r.gate.Solve(ctx, job.Params)
	if !ex.Started {
		// Time in the adapter is the only latency such a call has.
		ex.Elapsed = time.Since(job.Received)
	}
	res, failure, err := solver.Report(job.Params, ex)
	out := Result{Job: job, Solve: res, Failure: failure, Error: err, Execution: &ex}
	if res != nil {
		out.Meta = map[string]any{
			"status":    res.Status.OrElse(pb.SolveStatus_UNSPECIFIED).String(),
			"solve_ms":  ex.Elapsed.Milliseconds(),
			"gate_wait": ex.GateWait.String(),
			"solved":    res.ImageCenterCoords != nil,
		}
	}
	if failure == solver.Cancelled {
		r.log.Info("solve cancelled", "id", job.ID, "elapsed", ex.Elapsed)
	}
	return out
}

func (r *router) handleTransform(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	resp, err := r.transform(job.Transform)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{
		Job:       job,
		Transform: resp,
		Meta: map[string]any{
			"image_coords":     len(resp.ImageCoords),
			"celestial_coords": len(resp.CelestialCoords),
		},
	}
}

func (r *router) Abandon(job Job, err error) Result {
	elapsed := time.Since(job.Received)
	switch {
	case job.Type == JobSolve && job.Rejected != nil:
		return Result{Job: job, Solve: solver.Rejected(job.Rejected, elapsed), Failure: solver.PreconditionFailed}
	case job.Type == JobSolve && job.Params != nil:
		ex := solver.Execution{
			Err:         err,
			Elapsed:     elapsed,
			DeadlineHit: errors.Is(err, context.DeadlineExceeded),
		}
		res, failure, ferr := solver.Report(job.Params, ex)
		return Result{Job: job, Solve: res, Failure: failure, Error: ferr, Execution: &ex}
	default:
		return Result{Job: job, Error: err}
	}
}
