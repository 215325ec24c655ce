package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
	"tetra3d/internal/solver"
	"tetra3d/internal/storage"
)

type fakeProcessor struct {
	hold      chan struct{}
	started   chan string
	processed atomic.Int32
	abandoned atomic.Int32
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{started: make(chan string, 16)}
}

func (f *fakeProcessor) Process(ctx context.Context, job Job) Result {
	f.processed.Add(1)
	f.started <- job.ID
	if f.hold != nil && job.Type == JobSolve {
		<-f.hold
	}
	return Result{
		Job:       job,
		Transform: &pb.TransformResponse{},
		Meta:      map[string]any{"echo": job.ID},
	}
}

func (f *fakeProcessor) Abandon(job Job, err error) Result {
	f.abandoned.Add(1)
	return Result{Job: job, Error: err}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDoRunsJobAndPublishesResult(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := newFakeProcessor()
	p := New(2, proc, quietLogger(), store)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	job := Job{
		ID:        "call-1",
		Type:      JobTransform,
		Transform: &pb.TransformRequest{ImageCoords: []*pb.ImageCoord{{X: 1, Y: 2}}},
	}
	res := p.Do(context.Background(), job)
	require.NoError(t, res.Error)
	require.Equal(t, "call-1", res.Meta["echo"])
	require.False(t, res.Job.Received.IsZero(), "Do stamps the receive time")

	select {
	case got := <-results:
		require.Equal(t, "call-1", got.Job.ID)
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive result")
	}

	calls, err := store.RecentCalls(10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "TransformCoordinates", calls[0].Method)
	require.Equal(t, "ok", calls[0].Status)
	require.Equal(t, 1, calls[0].Targets)
}

func TestDoAbandonsJobWhenNoWorkerFrees(t *testing.T) {
	proc := newFakeProcessor()
	proc.hold = make(chan struct{})
	p := New(1, proc, quietLogger(), nil)
	defer p.Stop()

	first := make(chan Result, 1)
	go func() { first <- p.Do(context.Background(), Job{ID: "busy", Type: JobSolve}) }()
	require.Equal(t, "busy", <-proc.started)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := p.Do(ctx, Job{ID: "late", Type: JobSolve})
	require.ErrorIs(t, res.Error, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 1, proc.abandoned.Load())

	close(proc.hold)
	require.NoError(t, (<-first).Error)
	require.EqualValues(t, 1, proc.processed.Load(), "abandoned job must never run")
}

func TestDoWaitsForAcceptedJob(t *testing.T) {
	proc := newFakeProcessor()
	proc.hold = make(chan struct{})
	p := New(1, proc, quietLogger(), nil)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	go func() {
		<-proc.started
		<-ctx.Done()
		close(proc.hold)
	}()
	res := p.Do(ctx, Job{ID: "slow", Type: JobSolve})
	require.NoError(t, res.Error)
	require.EqualValues(t, 0, proc.abandoned.Load())
}

func TestTransformsSkipBusyPool(t *testing.T) {
	proc := newFakeProcessor()
	proc.hold = make(chan struct{})
	p := New(2, proc, quietLogger(), nil)
	defer p.Stop()
	defer close(proc.hold)

	for _, id := range []string{"solve-1", "solve-2"} {
		go p.Do(context.Background(), Job{ID: id, Type: JobSolve})
		<-proc.started
	}

	// Every worker is held by a solve; transforms must not wait for them.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res := p.Do(ctx, Job{ID: "transform", Type: JobTransform, Transform: &pb.TransformRequest{}})
	require.NoError(t, res.Error)
	require.Equal(t, "transform", res.Meta["echo"])
	require.EqualValues(t, 0, proc.abandoned.Load())
}

func TestConcurrentTransformsOverlap(t *testing.T) {
	var active, peak atomic.Int32
	slow := func(req *pb.TransformRequest) (*pb.TransformResponse, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		return &pb.TransformResponse{}, nil
	}
	p := New(1, newRouter(quietLogger(), &fakeGate{}, slow), quietLogger(), nil)
	defer p.Stop()

	var wg sync.WaitGroup
	start := time.Now()
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Do(context.Background(), Job{Type: JobTransform, Transform: &pb.TransformRequest{}})
			if res.Error != nil {
				t.Errorf("transform: %v", res.Error)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 2, peak.Load(), "transforms ran one at a time")
	require.Less(t, time.Since(start), 390*time.Millisecond)
}

func TestDoAfterStop(t *testing.T) {
	p := New(1, newFakeProcessor(), quietLogger(), nil)
	p.Stop()
	p.Stop()

	res := p.Do(context.Background(), Job{ID: "x", Type: JobTransform})
	require.True(t, errors.Is(res.Error, ErrStopped))
}

func TestSubscribersClosedOnStop(t *testing.T) {
	p := New(1, newFakeProcessor(), quietLogger(), nil)
	ch, unsub := p.Subscribe()
	p.Stop()

	_, open := <-ch
	require.False(t, open)
	unsub()
}

func TestOutcomeLabelAndJournalRecord(t *testing.T) {
	params := &solver.Params{Centroids: make([]engine.RowCol, 6)}

	res := Result{
		Job:     Job{ID: "s", Type: JobSolve, Params: params, Received: time.Now()},
		Solve:   &pb.SolveResult{SolveTime: pb.NewDuration(80 * time.Millisecond), FailureReason: pb.Some("no match found")},
		Failure: solver.NoSolution,
	}
	require.Equal(t, "NO_SOLUTION", outcomeLabel(res))
	rec := journalRecord(res, time.Second)
	require.Equal(t, 6, rec.Centroids)
	require.Equal(t, 80*time.Millisecond, rec.SolveTime)
	require.Equal(t, "no match found", rec.FailureReason)

	fault := Result{Job: Job{ID: "f", Type: JobSolve}, Failure: solver.EngineFault, Error: errors.New("boom")}
	require.Equal(t, "ENGINE_FAULT", outcomeLabel(fault))
	require.Equal(t, "error", outcomeLabel(Result{Error: errors.New("bad")}))
	require.Equal(t, "ok", outcomeLabel(Result{}))

	rejected := Result{Job: Job{Type: JobSolve, Rejected: &solver.PreconditionError{Count: 2}}, Failure: solver.PreconditionFailed}
	require.Equal(t, 2, journalRecord(rejected, 0).Centroids)
}
