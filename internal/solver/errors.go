package solver

import (
	"errors"
	"fmt"

	"tetra3d/internal/pb"
)

// Failure classifies why a solve call produced no orientation.
type Failure int

const (
	FailureNone Failure = iota
	PreconditionFailed
	DeadlineExceeded
	NoSolution
	Cancelled
	EngineFault
)

var failureNames = map[Failure]string{
	FailureNone:        "none",
	PreconditionFailed: "PRECONDITION_FAILED",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NoSolution:         "NO_SOLUTION",
	Cancelled:          "CANCELLED",
	EngineFault:        "ENGINE_FAULT",
}

func (f Failure) String() string {
	if name, ok := failureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Failure(%d)", int(f))
}

// Status is the wire status code reported for f when the engine did not
// supply one of its own.
func (f Failure) Status() pb.SolveStatus {
	switch f {
	case FailureNone:
		return pb.SolveStatus_MATCH_FOUND
	case PreconditionFailed:
		return pb.SolveStatus_TOO_FEW
	case DeadlineExceeded:
		return pb.SolveStatus_TIMEOUT
	case Cancelled:
		return pb.SolveStatus_CANCELLED
	default:
		return pb.SolveStatus_NO_MATCH
	}
}

// Reason is the failureReason text for f.
func (f Failure) Reason() string {
	switch f {
	case DeadlineExceeded:
		return "solve deadline exceeded"
	case NoSolution:
		return "no match found"
	case Cancelled:
		return "solve cancelled"
	default:
		return ""
	}
}

// ErrInvalidArgument marks malformed requests. The frontend maps it to
// codes.InvalidArgument.
var ErrInvalidArgument = errors.New("invalid argument")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ErrCancelled is the cancellation cause recorded when Cancel interrupts a
// solve.
var ErrCancelled = errors.New("solve cancelled")

// PreconditionError reports a request with too few centroids to attempt a
// solve.
type PreconditionError struct {
	Count int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("too few star centroids: got %d, need at least %d", e.Count, MinCentroids)
}

// FaultError is an ENGINE_FAULT: the engine failed unexpectedly or broke
// its output contract.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("engine fault during %s: %v", e.Op, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

func faultf(op, format string, args ...any) error {
	return &FaultError{Op: op, Err: fmt.Errorf(format, args...)}
}
