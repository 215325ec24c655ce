package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"tetra3d/internal/pb"
	"tetra3d/internal/pipeline"
	"tetra3d/internal/solver"
)

const unixPrefix = "unix://"

// Server implements the tetra3_server.Tetra3 service on top of the worker
// pipeline and the solve governor.
type Server struct {
	pb.UnimplementedTetra3Server

	governor *solver.Governor
	pipeline *pipeline.Pipeline
	defaults solver.Defaults
	log      *slog.Logger

	grpc   *grpc.Server
	health *health.Server
}

type Config struct {
	MaxMessageBytes int
	Defaults        solver.Defaults
}

// New builds the gRPC server and registers the Tetra3 and health services.
func New(cfg Config, governor *solver.Governor, pipe *pipeline.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 * 1024 * 1024
	}
	if cfg.Defaults == (solver.Defaults{}) {
		cfg.Defaults = solver.StandardDefaults()
	}

	s := &Server{
		governor: governor,
		pipeline: pipe,
		defaults: cfg.Defaults,
		log:      logger,
		health:   health.NewServer(),
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.MaxMessageBytes),
		grpc.ChainUnaryInterceptor(unaryLogger(logger)),
	)
	pb.RegisterTetra3Server(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(pb.Tetra3_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Listen opens a TCP listener for host:port or a Unix socket for
// unix:///path. A stale socket file is removed first.
func Listen(address string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(address, unixPrefix); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}
		lis, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
		}
		return lis, nil
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return lis, nil
}

// Start listens on address and serves until ctx is done.
func (s *Server) Start(ctx context.Context, address string) error {
	lis, err := Listen(address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve answers calls on lis until ctx is done, then drains in-flight calls.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
		case <-stopped:
		}
	}()
	defer close(stopped)

	s.log.Info("gRPC server listening", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server: %w", err)
	}
	return nil
}

// Stop ends every call immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

func (s *Server) SolveFromCentroids(ctx context.Context, req *pb.SolveRequest) (*pb.SolveResult, error) {
	job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobSolve, Received: time.Now()}

	params, err := solver.Normalize(req, s.defaults)
	var pre *solver.PreconditionError
	switch {
	case errors.As(err, &pre):
		job.Rejected = pre
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		job.Params = params
	}

	bounded, cancel := s.governor.Bound(ctx, params)
	defer cancel()

	res := s.pipeline.Do(bounded, job)
	if res.Error != nil {
		return nil, callError(res.Error)
	}
	if res.Solve == nil {
		return nil, status.Errorf(codes.Internal, "call %s produced no result", job.ID)
	}
	return res.Solve, nil
}

func (s *Server) TransformCoordinates(ctx context.Context, req *pb.TransformRequest) (*pb.TransformResponse, error) {
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobTransform,
		Received:  time.Now(),
		Transform: req,
	}
	res := s.pipeline.Do(ctx, job)
	if res.Error != nil {
		return nil, callError(res.Error)
	}
	return res.Transform, nil
}

func (s *Server) CancelSolve(ctx context.Context, req *pb.CancelRequest) (*pb.CancelResponse, error) {
	cancelled := s.governor.Cancel()
	s.log.Info("cancel requested", "cancelled", cancelled)
	return &pb.CancelResponse{Cancelled: cancelled}, nil
}

// callError maps an adapter error onto a gRPC status.
func callError(err error) error {
	var fault *solver.FaultError
	switch {
	case errors.Is(err, solver.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &fault):
		return status.Error(codes.Internal, fault.Error())
	case errors.Is(err, pipeline.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

func unaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code != codes.OK {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
