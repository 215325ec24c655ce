package solver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
)

// stubEngine answers every solve with a fixed outcome, optionally after a
// delay that Cancel cuts short. It ignores its context, like an engine that
// only polls its own timeout.
type stubEngine struct {
	outcome *engine.Outcome
	err     error
	delay   time.Duration
	// stopped is returned when Cancel cuts a delay short.
	stopped *engine.Outcome

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	cancels   atomic.Int32

	mu       sync.Mutex
	lastOpts engine.Options
	lastRC   []engine.RowCol

	entered chan struct{}
	stop    chan struct{}
}

func newStub(out *engine.Outcome) *stubEngine {
	return &stubEngine{
		outcome: out,
		entered: make(chan struct{}, 16),
		stop:    make(chan struct{}, 1),
	}
}

func (s *stubEngine) Solve(ctx context.Context, centroids []engine.RowCol, size engine.Size, opts engine.Options) (*engine.Outcome, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		cur := s.maxActive.Load()
		if n <= cur || s.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	s.lastOpts = opts
	s.lastRC = centroids
	s.mu.Unlock()

	// Drop a stop token left over from an earlier solve.
	select {
	case <-s.stop:
	default:
	}
	s.entered <- struct{}{}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
			if s.stopped != nil {
				return s.stopped, nil
			}
			return &engine.Outcome{}, nil
		}
	}
	return s.outcome, s.err
}

func (s *stubEngine) Cancel() {
	s.cancels.Add(1)
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *stubEngine) options() engine.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOpts
}

// solveCall mirrors the frontend: normalize, bound, run, report.
func solveCall(ctx context.Context, g *Governor, req *pb.SolveRequest) (*pb.SolveResult, Failure, error) {
	start := time.Now()
	p, err := Normalize(req, StandardDefaults())
	var pre *PreconditionError
	if errors.As(err, &pre) {
		return Rejected(pre, time.Since(start)), PreconditionFailed, nil
	}
	if err != nil {
		return nil, FailureNone, err
	}
	ctx, cancel := g.Bound(ctx, p)
	defer cancel()
	return Report(p, g.Solve(ctx, p))
}

func centroids(n int) []*pb.ImageCoord {
	out := make([]*pb.ImageCoord, n)
	for i := range out {
		out[i] = &pb.ImageCoord{X: float64(10 + 7*i), Y: float64(20 + 3*i)}
	}
	return out
}

func baseRequest(n int) *pb.SolveRequest {
	return &pb.SolveRequest{
		StarCentroids: centroids(n),
		ImageWidth:    1024,
		ImageHeight:   768,
	}
}

func f64(v float64) *float64 { return &v }

func i32(v int32) *int32 { return &v }

func solvedOutcome() *engine.Outcome {
	return &engine.Outcome{
		RA:      f64(83.82),
		Dec:     f64(-5.39),
		Roll:    f64(12.5),
		FOV:     f64(11.2),
		RMSE:    f64(3.1),
		Matches: i32(17),
		Prob:    f64(1e-12),
		TSolve:  f64(42),
	}
}

func mustResult(t *testing.T, res *pb.SolveResult, f Failure, err error) *pb.SolveResult {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if res == nil {
		t.Fatalf("nil result (failure %v)", f)
	}
	if res.SolveTime == nil {
		t.Fatalf("solveTime must always be set")
	}
	return res
}
