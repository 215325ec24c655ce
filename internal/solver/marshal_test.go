package solver

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
)

func normalized(t *testing.T, req *pb.SolveRequest) *Params {
	t.Helper()
	p, err := Normalize(req, StandardDefaults())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return p
}

func solvedExecution(out *engine.Outcome) Execution {
	return Execution{Outcome: out, Started: true, Elapsed: 25 * time.Millisecond}
}

func pixelTargets(n int) []*pb.ImageCoord {
	out := make([]*pb.ImageCoord, n)
	for i := range out {
		out[i] = &pb.ImageCoord{X: float64(100 * (i + 1)), Y: float64(50 * (i + 1))}
	}
	return out
}

func TestReportTargetCoordsMatchRequestLength(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		req := baseRequest(6)
		req.TargetPixels = pixelTargets(n)
		p := normalized(t, req)

		out := solvedOutcome()
		if n > 0 {
			ras := make([]float64, n)
			decs := make([]float64, n)
			for i := range n {
				ras[i], decs[i] = float64(80+i), float64(-5-i)
			}
			out.RATarget, out.DecTarget = engine.Many(ras), engine.Many(decs)
			if n == 1 {
				out.RATarget, out.DecTarget = engine.One(ras[0]), engine.One(decs[0])
			}
		}

		res, f, err := Report(p, solvedExecution(out))
		require.NoError(t, err)
		require.Equal(t, FailureNone, f)
		require.Len(t, res.TargetCoords, n, "n=%d", n)
		for i, c := range res.TargetCoords {
			require.Equal(t, float64(80+i), c.Ra)
			require.Equal(t, float64(-5-i), c.Dec)
		}
	}
}

func TestReportTargetImageCoordsSwapAxesAndMarkOutOfView(t *testing.T) {
	req := baseRequest(6)
	req.TargetSkyCoords = []*pb.CelestialCoord{{Ra: 10, Dec: 1}, {Ra: 200, Dec: -40}, {Ra: 11, Dec: 2}}
	p := normalized(t, req)

	out := solvedOutcome()
	out.XTarget = engine.Many([]*float64{f64(320), nil, f64(12)})
	out.YTarget = engine.Many([]*float64{f64(240), nil, f64(700)})

	res, _, err := Report(p, solvedExecution(out))
	require.NoError(t, err)
	want := []*pb.ImageCoord{{X: 320, Y: 240}, {X: -1, Y: -1}, {X: 12, Y: 700}}
	if diff := cmp.Diff(want, res.TargetSkyToImageCoords); diff != "" {
		t.Fatalf("target image coords (-want +got):\n%s", diff)
	}
}

func TestReportLoneSkyTargetWithoutOutputIsSentinel(t *testing.T) {
	req := baseRequest(6)
	req.TargetSkyCoords = []*pb.CelestialCoord{{Ra: 200, Dec: -40}}
	p := normalized(t, req)

	res, f, err := Report(p, solvedExecution(solvedOutcome()))
	require.NoError(t, err)
	require.Equal(t, FailureNone, f)
	require.Equal(t, []*pb.ImageCoord{{X: -1, Y: -1}}, res.TargetSkyToImageCoords)
}

func TestReportMismatchedTargetsAreFaults(t *testing.T) {
	req := baseRequest(6)
	req.TargetPixels = pixelTargets(3)
	p := normalized(t, req)

	out := solvedOutcome()
	out.RATarget = engine.Many([]float64{1, 2})
	out.DecTarget = engine.Many([]float64{1, 2})

	res, f, err := Report(p, solvedExecution(out))
	require.Nil(t, res)
	require.Equal(t, EngineFault, f)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "targetCoords", fault.Op)

	// Many targets with nothing to derive them from.
	res, f, err = Report(p, solvedExecution(solvedOutcome()))
	require.Nil(t, res)
	require.Equal(t, EngineFault, f)
	require.Error(t, err)
}

func TestReportDerivesTargetsFromRotationMatrix(t *testing.T) {
	req := baseRequest(6)
	req.TargetPixels = []*pb.ImageCoord{{X: 512, Y: 384}}
	req.TargetSkyCoords = []*pb.CelestialCoord{{Ra: 0, Dec: 0}, {Ra: 180, Dec: 0}}
	p := normalized(t, req)

	out := solvedOutcome()
	out.RotationMatrix = &[3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	res, f, err := Report(p, solvedExecution(out))
	require.NoError(t, err)
	require.Equal(t, FailureNone, f)

	approx := cmpopts.EquateApprox(0, 1e-9)
	if diff := cmp.Diff([]*pb.CelestialCoord{{Ra: 0, Dec: 0}}, res.TargetCoords, approx); diff != "" {
		t.Fatalf("derived target coords (-want +got):\n%s", diff)
	}
	want := []*pb.ImageCoord{{X: 512, Y: 384}, {X: -1, Y: -1}}
	if diff := cmp.Diff(want, res.TargetSkyToImageCoords, approx); diff != "" {
		t.Fatalf("derived image coords (-want +got):\n%s", diff)
	}
}

func TestReportTransposesRotationMatrix(t *testing.T) {
	p := normalized(t, baseRequest(6))
	out := solvedOutcome()
	out.RotationMatrix = &[3][3]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}

	res, _, err := Report(p, solvedExecution(out))
	require.NoError(t, err)
	require.NotNil(t, res.RotationMatrix)
	require.Equal(t, []float64{1, 4, 7, 2, 5, 8, 3, 6, 9}, res.RotationMatrix.MatrixElements)
}

func TestReportMatchedStars(t *testing.T) {
	p := normalized(t, baseRequest(6))

	out := solvedOutcome()
	out.MatchedStars = [][3]float64{{83.8, -5.4, 2.1}, {84.1, -1.2, 3.3}}
	out.MatchedCentroids = []engine.RowCol{{Row: 10, Col: 20}, {Row: 30, Col: 40}}

	res, _, err := Report(p, solvedExecution(out))
	require.NoError(t, err)
	require.Len(t, res.MatchedStars, 2)
	require.Equal(t, &pb.ImageCoord{X: 20, Y: 10}, res.MatchedStars[0].ImageCoord)
	require.Equal(t, 3.3, res.MatchedStars[1].Magnitude)
	require.False(t, res.MatchedStars[0].CatId.Valid, "catId must stay absent when the engine has none")

	out.MatchedCatID = []engine.CatalogID{"1234", "(5, 6, 1)"}
	res, _, err = Report(p, solvedExecution(out))
	require.NoError(t, err)
	require.Equal(t, pb.Some("(5, 6, 1)"), res.MatchedStars[1].CatId)

	out.MatchedCentroids = out.MatchedCentroids[:1]
	_, f, err := Report(p, solvedExecution(out))
	require.Equal(t, EngineFault, f)
	require.ErrorContains(t, err, "matched centroids")
}

func TestReportCatalogAndPatternStars(t *testing.T) {
	p := normalized(t, baseRequest(6))
	out := solvedOutcome()
	out.PatternCentroids = []engine.RowCol{{Row: 1, Col: 2}}
	out.CatalogStars = [][5]float64{{10, 20, 4.5, 300, 400}}

	res, _, err := Report(p, solvedExecution(out))
	require.NoError(t, err)
	require.Equal(t, []*pb.ImageCoord{{X: 2, Y: 1}}, res.PatternCentroids)
	require.Len(t, res.CatalogStars, 1)
	require.Equal(t, &pb.ImageCoord{X: 400, Y: 300}, res.CatalogStars[0].ImageCoord)
	require.Equal(t, &pb.CelestialCoord{Ra: 10, Dec: 20}, res.CatalogStars[0].CelestialCoord)
}

func TestReportMissUsesEngineStatus(t *testing.T) {
	p := normalized(t, baseRequest(6))

	out := &engine.Outcome{Status: i32(int32(pb.SolveStatus_NO_MATCH)), Matches: i32(0)}
	res, f, err := Report(p, solvedExecution(out))
	require.NoError(t, err)
	require.Equal(t, NoSolution, f)
	require.Nil(t, res.ImageCenterCoords)
	require.Equal(t, pb.Some(NoSolution.Reason()), res.FailureReason)
	require.Equal(t, pb.Some(int32(0)), res.Matches)

	out = &engine.Outcome{Status: i32(int32(pb.SolveStatus_TIMEOUT))}
	_, f, _ = Report(p, solvedExecution(out))
	require.Equal(t, DeadlineExceeded, f)

	_, f, _ = Report(p, Execution{Outcome: &engine.Outcome{}, Started: true, DeadlineHit: true})
	require.Equal(t, DeadlineExceeded, f)

	interrupted := &engine.Outcome{Status: i32(int32(pb.SolveStatus_CANCELLED))}
	res, f, _ = Report(p, Execution{Outcome: interrupted, Started: true, DeadlineHit: true})
	require.Equal(t, DeadlineExceeded, f)
	require.Equal(t, pb.Some(pb.SolveStatus_TIMEOUT), res.Status)

	_, f, _ = Report(p, Execution{Outcome: interrupted, Started: true, Cancelled: true, DeadlineHit: true})
	require.Equal(t, Cancelled, f, "an explicit cancel wins over the deadline")
}

func TestReportEngineErrors(t *testing.T) {
	p := normalized(t, baseRequest(6))

	_, f, err := Report(p, Execution{Started: true})
	require.Equal(t, EngineFault, f)
	require.Error(t, err)

	_, f, err = Report(p, Execution{Err: ErrCancelled, Started: true})
	require.NoError(t, err)
	require.Equal(t, Cancelled, f)

	boom := errors.New("broken pipe")
	_, f, err = Report(p, Execution{Err: boom, Started: true})
	require.Equal(t, EngineFault, f)
	require.ErrorIs(t, err, boom)
}

func TestDescribe(t *testing.T) {
	p := normalized(t, baseRequest(6))
	res, _, err := Report(p, solvedExecution(solvedOutcome()))
	require.NoError(t, err)
	if got := Describe(res); !strings.HasPrefix(got, "ra=83.8200 dec=-5.3900") {
		t.Fatalf("unexpected summary %q", got)
	}

	miss := failed(DeadlineExceeded, time.Millisecond)
	if got := Describe(miss); got != "TIMEOUT: solve deadline exceeded" {
		t.Fatalf("unexpected summary %q", got)
	}
	if Describe(nil) != "<nil>" {
		t.Fatalf("nil result should render as <nil>")
	}
}
