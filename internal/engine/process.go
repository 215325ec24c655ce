package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	defaultStartupTimeout = 60 * time.Second
	defaultCancelGrace    = 2 * time.Second
	maxResponseBytes      = 64 * 1024 * 1024
)

// ProcessConfig describes how to launch the solver worker.
type ProcessConfig struct {
	Command        string
	Args           []string
	Env            []string
	DatabasePath   string
	StartupTimeout time.Duration
	// CancelGrace bounds how long Solve waits for the worker to answer after
	// it has been interrupted before the worker is killed.
	CancelGrace time.Duration
}

// Process is an Engine backed by a long-running solver worker. The worker
// loads the reference database once at startup and then answers one JSON
// request per line on stdin with one JSON response per line on stdout.
type Process struct {
	cfg ProcessConfig
	log *slog.Logger
	cmd *exec.Cmd

	stdin     io.WriteCloser
	responses chan workerResponse
	exited    chan struct{}
	exitErr   error

	// solveMu serializes requests; the worker handles one at a time.
	solveMu sync.Mutex
	nextID  uint64

	inflightMu  sync.Mutex
	inflight    bool
	interrupted bool

	closeOnce sync.Once
}

type workerRequest struct {
	ID        uint64   `json:"id"`
	Centroids []RowCol `json:"centroids"`
	Size      Size     `json:"size"`
	Options   Options  `json:"options"`
}

type workerResponse struct {
	ID     uint64   `json:"id"`
	Ready  bool     `json:"ready,omitempty"`
	Result *Outcome `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// WorkerError is an error the worker reported for a request.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return "solver worker: " + e.Message
}

// NewProcess starts the worker and waits until it reports that the
// reference database is loaded.
func NewProcess(ctx context.Context, cfg ProcessConfig, log *slog.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("solver command not configured")
	}
	info, err := os.Stat(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("reference database: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("reference database %s is a directory", cfg.DatabasePath)
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if log == nil {
		log = slog.Default()
	}

	args := append(append([]string{}, cfg.Args...), "--database", cfg.DatabasePath)
	cmd := exec.Command(cfg.Command, args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("solver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("solver stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start solver %s: %w", cfg.Command, err)
	}

	p := &Process{
		cfg:       cfg,
		log:       log,
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan workerResponse, 1),
		exited:    make(chan struct{}),
	}
	go p.readLoop(stdout)

	log.Info("solver worker started",
		"command", cfg.Command,
		"pid", cmd.Process.Pid,
		"database", cfg.DatabasePath,
	)

	if err := p.awaitReady(ctx); err != nil {
		p.kill()
		return nil, err
	}
	log.Info("reference database loaded", "database", cfg.DatabasePath)
	return p, nil
}

func (p *Process) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case resp := <-p.responses:
		if resp.Error != "" {
			return fmt.Errorf("solver failed to load database: %s", resp.Error)
		}
		if !resp.Ready {
			return errors.New("solver sent a response before its ready message")
		}
		return nil
	case <-p.exited:
		select {
		case resp := <-p.responses:
			if resp.Error != "" {
				return fmt.Errorf("solver failed to load database: %s", resp.Error)
			}
		default:
		}
		return fmt.Errorf("solver exited during startup: %v", p.exitErr)
	case <-timer.C:
		return fmt.Errorf("solver not ready after %v", p.cfg.StartupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop forwards decoded responses until the worker closes stdout, then
// records how it exited.
func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		var resp workerResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			p.log.Warn("unparseable solver output", "error", err)
			continue
		}
		select {
		case p.responses <- resp:
		case <-time.After(p.cfg.CancelGrace):
			p.log.Warn("dropping unclaimed solver response", "id", resp.ID)
		}
	}
	err := p.cmd.Wait()
	if scanErr := scanner.Err(); scanErr != nil && err == nil {
		err = scanErr
	}
	if err == nil {
		err = errors.New("worker closed its output")
	}
	p.exitErr = err
	close(p.exited)
}

// Solve sends one request and waits for its answer. When ctx ends first the
// worker is interrupted and given CancelGrace to return its partial outcome.
// A worker that overruns the grace period is left running, never killed.
func (p *Process) Solve(ctx context.Context, centroids []RowCol, size Size, opts Options) (*Outcome, error) {
	p.solveMu.Lock()
	defer p.solveMu.Unlock()

	select {
	case <-p.exited:
		return nil, fmt.Errorf("solver worker is not running: %v", p.exitErr)
	default:
	}

	p.nextID++
	id := p.nextID
	line, err := json.Marshal(workerRequest{ID: id, Centroids: centroids, Size: size, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("encode solve request: %w", err)
	}

	p.setInflight(true)
	defer p.setInflight(false)

	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send solve request: %w", err)
	}

	resp, err := p.await(ctx.Done(), id, nil)
	if err == nil {
		return p.unwrap(resp)
	}
	if !errors.Is(err, errInterrupted) {
		return nil, err
	}

	p.interruptInflight()
	grace := time.NewTimer(p.cfg.CancelGrace)
	defer grace.Stop()
	resp, err = p.await(nil, id, grace.C)
	if errors.Is(err, errGraceOver) {
		// The worker finishes on its own time; the next request's await
		// discards the late answer by id.
		p.log.Warn("solver still busy after interrupt; abandoning request",
			"id", id, "grace", p.cfg.CancelGrace)
		return nil, fmt.Errorf("solver unresponsive after interrupt: %w", ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return p.unwrap(resp)
}

var (
	errInterrupted = errors.New("interrupted")
	errGraceOver   = errors.New("grace period over")
)

func (p *Process) await(done <-chan struct{}, id uint64, expired <-chan time.Time) (workerResponse, error) {
	for {
		select {
		case resp := <-p.responses:
			if resp.ID != id {
				p.log.Warn("discarding stale solver response", "id", resp.ID, "want", id)
				continue
			}
			return resp, nil
		case <-p.exited:
			return workerResponse{}, fmt.Errorf("solver worker exited: %v", p.exitErr)
		case <-done:
			return workerResponse{}, errInterrupted
		case <-expired:
			return workerResponse{}, errGraceOver
		}
	}
}

func (p *Process) unwrap(resp workerResponse) (*Outcome, error) {
	if resp.Error != "" {
		return nil, &WorkerError{Message: resp.Error}
	}
	if resp.Result == nil {
		return &Outcome{}, nil
	}
	return resp.Result, nil
}

// Cancel interrupts the worker if, and only if, a request is outstanding.
func (p *Process) Cancel() {
	p.interruptInflight()
}

// interruptInflight signals the worker at most once per request.
func (p *Process) interruptInflight() {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if !p.inflight || p.interrupted {
		return
	}
	p.interrupted = true
	p.interrupt()
}

func (p *Process) setInflight(v bool) {
	p.inflightMu.Lock()
	p.inflight = v
	p.interrupted = false
	p.inflightMu.Unlock()
}

func (p *Process) interrupt() {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.log.Warn("failed to interrupt solver", "error", err)
	}
}

func (p *Process) kill() {
	_ = p.cmd.Process.Kill()
}

// Close stops the worker, first by closing its input and then by force.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(p.cfg.CancelGrace):
			p.kill()
			<-p.exited
		}
	})
	return nil
}
