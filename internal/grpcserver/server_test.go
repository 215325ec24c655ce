package grpcserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
	"tetra3d/internal/pipeline"
	"tetra3d/internal/solver"
)

type fakeEngine struct {
	outcome *engine.Outcome
	err     error
	delay   time.Duration
	calls   atomic.Int32
	entered chan struct{}
	stop    chan struct{}
}

func newFakeEngine(out *engine.Outcome) *fakeEngine {
	return &fakeEngine{outcome: out, entered: make(chan struct{}, 8), stop: make(chan struct{}, 1)}
}

func (e *fakeEngine) Solve(ctx context.Context, centroids []engine.RowCol, size engine.Size, opts engine.Options) (*engine.Outcome, error) {
	e.calls.Add(1)
	select {
	case <-e.stop:
	default:
	}
	e.entered <- struct{}{}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-e.stop:
			return &engine.Outcome{}, nil
		}
	}
	return e.outcome, e.err
}

func (e *fakeEngine) Cancel() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func fptr(v float64) *float64 { return &v }

func solved() *engine.Outcome {
	m := int32(21)
	return &engine.Outcome{
		RA:             fptr(250.42),
		Dec:            fptr(36.46),
		Roll:           fptr(-3.5),
		FOV:            fptr(8.9),
		RMSE:           fptr(2.4),
		Matches:        &m,
		Prob:           fptr(3e-15),
		RATarget:       engine.One(250.5),
		DecTarget:      engine.One(36.4),
		RotationMatrix: &[3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

func startServer(t *testing.T, eng engine.Engine) (pb.Tetra3Client, *grpc.ClientConn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gov := solver.NewGovernor(eng, 2*time.Second)
	pipe := pipeline.New(4, pipeline.NewRouter(logger, gov), logger, nil)
	srv := New(Config{}, gov, pipe, logger)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		pipe.Stop()
	})
	return pb.NewTetra3Client(conn), conn
}

func request(n int) *pb.SolveRequest {
	req := &pb.SolveRequest{ImageWidth: 1920, ImageHeight: 1080}
	for i := range n {
		req.StarCentroids = append(req.StarCentroids, &pb.ImageCoord{X: float64(100 + 40*i), Y: float64(80 + 25*i)})
	}
	return req
}

func TestSolveOverJSONCodec(t *testing.T) {
	eng := newFakeEngine(solved())
	client, _ := startServer(t, eng)

	req := request(12)
	req.TargetPixels = []*pb.ImageCoord{{X: 960, Y: 540}}
	req.ReturnRotationMatrix = true

	res, err := client.SolveFromCentroids(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, &pb.CelestialCoord{Ra: 250.42, Dec: 36.46}, res.ImageCenterCoords)
	require.Equal(t, pb.Some(-3.5), res.Roll)
	require.Equal(t, pb.Some(int32(21)), res.Matches)
	require.False(t, res.Distortion.Valid)
	require.False(t, res.FailureReason.Valid)
	require.Equal(t, pb.Some(pb.SolveStatus_MATCH_FOUND), res.Status)
	require.Equal(t, []*pb.CelestialCoord{{Ra: 250.5, Dec: 36.4}}, res.TargetCoords)
	require.Len(t, res.RotationMatrix.MatrixElements, 9)
	require.NotNil(t, res.SolveTime)
}

func TestSolveTooFewCentroids(t *testing.T) {
	eng := newFakeEngine(solved())
	client, _ := startServer(t, eng)

	res, err := client.SolveFromCentroids(context.Background(), request(3))
	require.NoError(t, err)
	require.Nil(t, res.ImageCenterCoords)
	require.True(t, res.FailureReason.Valid)
	require.Equal(t, pb.Some(pb.SolveStatus_TOO_FEW), res.Status)
	require.EqualValues(t, 0, eng.calls.Load())
}

func TestSolveInvalidArgument(t *testing.T) {
	client, _ := startServer(t, newFakeEngine(solved()))

	req := request(6)
	req.ImageWidth = 0
	_, err := client.SolveFromCentroids(context.Background(), req)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSolveEngineFaultIsInternal(t *testing.T) {
	eng := newFakeEngine(nil)
	eng.err = errors.New("solver worker exited")
	client, _ := startServer(t, eng)

	_, err := client.SolveFromCentroids(context.Background(), request(6))
	require.Equal(t, codes.Internal, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "solver worker exited")
}

func TestSolveTimeoutIsAResultNotAnError(t *testing.T) {
	eng := newFakeEngine(solved())
	eng.delay = 10 * time.Second
	client, _ := startServer(t, eng)

	req := request(6)
	req.SolveTimeout = pb.NewDuration(150 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	res, err := client.SolveFromCentroids(ctx, req)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, pb.Some(pb.SolveStatus_TIMEOUT), res.Status)
	require.Nil(t, res.ImageCenterCoords)
}

func TestCancelSolveRPC(t *testing.T) {
	eng := newFakeEngine(solved())
	eng.delay = 10 * time.Second
	client, _ := startServer(t, eng)

	resp, err := client.CancelSolve(context.Background(), &pb.CancelRequest{})
	require.NoError(t, err)
	require.False(t, resp.Cancelled, "nothing was in flight")

	type reply struct {
		res *pb.SolveResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		req := request(6)
		req.SolveTimeout = pb.NewDuration(30 * time.Second)
		res, err := client.SolveFromCentroids(context.Background(), req)
		done <- reply{res, err}
	}()
	<-eng.entered

	resp, err = client.CancelSolve(context.Background(), &pb.CancelRequest{})
	require.NoError(t, err)
	require.True(t, resp.Cancelled)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, pb.Some(pb.SolveStatus_CANCELLED), got.res.Status)
	case <-time.After(3 * time.Second):
		t.Fatalf("cancelled solve did not return")
	}
}

func TestTransformRunsAlongsideSolve(t *testing.T) {
	eng := newFakeEngine(solved())
	eng.delay = 2 * time.Second
	client, _ := startServer(t, eng)

	go func() {
		req := request(6)
		req.SolveTimeout = pb.NewDuration(5 * time.Second)
		_, _ = client.SolveFromCentroids(context.Background(), req)
	}()
	<-eng.entered

	start := time.Now()
	resp, err := client.TransformCoordinates(context.Background(), &pb.TransformRequest{
		RotationMatrix: &pb.RotationMatrix{MatrixElements: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}},
		ImageWidth:     1000,
		ImageHeight:    800,
		Fov:            10,
		ImageCoords:    []*pb.ImageCoord{{X: 500, Y: 400}},
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "transform waited on the solve gate")
	require.InDelta(t, 0, resp.CelestialCoords[0].Ra, 1e-9)
	require.InDelta(t, 0, resp.CelestialCoords[0].Dec, 1e-9)

	eng.Cancel()
}

func TestTransformInvalidArgument(t *testing.T) {
	client, _ := startServer(t, newFakeEngine(solved()))

	_, err := client.TransformCoordinates(context.Background(), &pb.TransformRequest{ImageWidth: 10, ImageHeight: 10, Fov: 5})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealthService(t *testing.T) {
	_, conn := startServer(t, newFakeEngine(solved()))

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: pb.Tetra3_ServiceDesc.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestListenUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t3.sock")
	// A leftover file from a crashed server must not block a restart.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	lis, err := Listen(unixPrefix + path)
	require.NoError(t, err)
	require.Equal(t, "unix", lis.Addr().Network())
	require.NoError(t, lis.Close())
}

func TestCallErrorMapping(t *testing.T) {
	require.Equal(t, codes.Unavailable, status.Code(callError(pipeline.ErrStopped)))
	require.Equal(t, codes.DeadlineExceeded, status.Code(callError(context.DeadlineExceeded)))
	require.Equal(t, codes.Internal, status.Code(callError(errors.New("other"))))
}
