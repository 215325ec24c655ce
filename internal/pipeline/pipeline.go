package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tetra3d/internal/logging"
	"tetra3d/internal/metrics"
	"tetra3d/internal/pb"
	"tetra3d/internal/solver"
	"tetra3d/internal/storage"
)

// JobType enumerates the calls the pool runs.
type JobType string

const (
	JobSolve     JobType = "SolveFromCentroids"
	JobTransform JobType = "TransformCoordinates"
)

// ErrStopped is returned for jobs submitted after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Job is a single call.
type Job struct {
	ID       string
	Type     JobType
	Received time.Time

	// Solve jobs carry normalized parameters. Rejected is set instead when
	// the request failed its precondition check.
	Params   *solver.Params
	Rejected *solver.PreconditionError

	Transform *pb.TransformRequest
}

// Result captures the outcome of a Job.
type Result struct {
	Job       Job
	Solve     *pb.SolveResult
	Transform *pb.TransformResponse
	Failure   solver.Failure
	// Error is a transport-level failure: an engine fault, a malformed
	// transform or a call that ended before a worker took it.
	Error error
	// Execution is the gate trip for solves that were dispatched.
	Execution *solver.Execution
	Meta      map[string]any
	// Duration is the time from receipt to completion.
	Duration time.Duration
}

// Outcome labels the result for metrics and the journal: "ok", "error" or
// the failure name.
func (r Result) Outcome() string {
	return outcomeLabel(r)
}

// Processor executes jobs on behalf of the pool.
type Processor interface {
	Process(ctx context.Context, job Job) Result
	// Abandon builds the result for a job whose context ended before any
	// worker accepted it.
	Abandon(job Job, err error) Result
}

type request struct {
	ctx   context.Context
	job   Job
	reply chan Result
}

// Pipeline runs calls on a fixed set of workers. A caller hands its job to
// an idle worker and waits for the result; no job outlives its caller.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan request
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline with the given number of workers.
func New(concurrency int, processor Processor, logger *slog.Logger, store *storage.Store) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan request),
		done:      make(chan struct{}),
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})

	return p
}

// Do runs job on the next free worker. Waiting for a worker is bounded by
// ctx; once a worker has the job, Do waits for it to finish. Transforms are
// stateless and run on the calling goroutine, so queued solves never hold
// them up.
func (p *Pipeline) Do(ctx context.Context, job Job) Result {
	if job.Received.IsZero() {
		job.Received = time.Now()
	}
	if job.Type == JobTransform {
		select {
		case <-p.done:
			return Result{Job: job, Error: ErrStopped}
		default:
		}
		return p.run(ctx, job, inlineWorker)
	}
	reply := make(chan Result, 1)

	select {
	case p.jobs <- request{ctx: ctx, job: job, reply: reply}:
		return <-reply
	case <-ctx.Done():
		res := p.processor.Abandon(job, ctx.Err())
		return p.finish(res, time.Since(job.Received))
	case <-p.done:
		return Result{Job: job, Error: ErrStopped}
	}
}

// Stop signals workers to exit and waits for the ones still busy.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case req := <-p.jobs:
			metrics.WorkerBusy()
			res := p.run(req.ctx, req.job, id)
			metrics.WorkerIdle()
			req.reply <- res
		}
	}
}

// inlineWorker is the worker id logged for jobs run by their caller.
const inlineWorker = -1

func (p *Pipeline) run(ctx context.Context, job Job, worker int) Result {
	logging.LogCallStart(p.log, string(job.Type), job.ID, worker, describeJob(job))
	res := p.processor.Process(ctx, job)
	return p.finish(res, time.Since(job.Received))
}

// finish logs, journals, meters and publishes a result.
func (p *Pipeline) finish(res Result, duration time.Duration) Result {
	res.Duration = duration
	job := res.Job
	outcome := outcomeLabel(res)

	if res.Error != nil {
		logging.LogCallError(p.log, string(job.Type), job.ID, duration, res.Error, describeJob(job))
	} else {
		logging.LogCallComplete(p.log, string(job.Type), job.ID, duration, outcome, res.Meta)
	}

	metrics.RecordCall(string(job.Type), outcome, duration)
	if ex := res.Execution; ex != nil {
		metrics.RecordSolve(ex.Elapsed, ex.GateWait, ex.Started)
	}

	if p.store != nil {
		if err := p.store.RecordCall(journalRecord(res, duration)); err != nil {
			p.log.Warn("failed to journal call", "id", job.ID, "error", err)
		}
	}

	p.broadcast(res)
	return res
}

func outcomeLabel(res Result) string {
	switch {
	case res.Error != nil && res.Failure == solver.FailureNone:
		return "error"
	case res.Failure == solver.FailureNone:
		return "ok"
	default:
		return res.Failure.String()
	}
}

func journalRecord(res Result, duration time.Duration) storage.CallRecord {
	job := res.Job
	rec := storage.CallRecord{
		ID:        job.ID,
		Method:    string(job.Type),
		Status:    outcomeLabel(res),
		SolveTime: duration,
		CreatedAt: job.Received,
	}
	switch job.Type {
	case JobSolve:
		if job.Params != nil {
			rec.Centroids = len(job.Params.Centroids)
			rec.Targets = len(job.Params.TargetPixels) + len(job.Params.TargetSkyCoords)
		} else if job.Rejected != nil {
			rec.Centroids = job.Rejected.Count
		}
		if res.Solve != nil {
			if d, err := res.Solve.SolveTime.AsDuration(); err == nil {
				rec.SolveTime = d
			}
			rec.FailureReason = res.Solve.FailureReason.OrElse("")
		}
	case JobTransform:
		if job.Transform != nil {
			rec.Targets = len(job.Transform.ImageCoords) + len(job.Transform.CelestialCoords)
		}
	}
	if res.Error != nil {
		rec.FailureReason = res.Error.Error()
	}
	return rec
}

func describeJob(job Job) map[string]any {
	details := map[string]any{}
	switch {
	case job.Params != nil:
		details["centroids"] = len(job.Params.Centroids)
		details["size"] = [2]int{job.Params.Size.Width, job.Params.Size.Height}
		if t, ok := job.Params.SolveTimeout.Get(); ok {
			details["solve_timeout"] = t.String()
		}
	case job.Rejected != nil:
		details["centroids"] = job.Rejected.Count
	case job.Transform != nil:
		details["image_coords"] = len(job.Transform.ImageCoords)
		details["celestial_coords"] = len(job.Transform.CelestialCoords)
	}
	return details
}

// Subscribe returns a channel for receiving call results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "call", res.Job.ID)
		}
	}
}
