package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
)

// Rejected is the result for a request that failed its precondition check.
func Rejected(err *PreconditionError, elapsed time.Duration) *pb.SolveResult {
	return &pb.SolveResult{
		SolveTime:     pb.NewDuration(elapsed),
		FailureReason: pb.Some(err.Error()),
		Status:        pb.Some(PreconditionFailed.Status()),
	}
}

func failed(f Failure, elapsed time.Duration) *pb.SolveResult {
	return &pb.SolveResult{
		SolveTime:     pb.NewDuration(elapsed),
		FailureReason: pb.Some(f.Reason()),
		Status:        pb.Some(f.Status()),
	}
}

// Report turns an execution into the wire result. A non-nil error is an
// ENGINE_FAULT (a *FaultError) and the result is nil; every other failure is
// reported inside the result.
func Report(p *Params, ex Execution) (*pb.SolveResult, Failure, error) {
	if ex.Err != nil {
		switch {
		case ex.Cancelled || errors.Is(ex.Err, ErrCancelled):
			return failed(Cancelled, ex.Elapsed), Cancelled, nil
		case ex.DeadlineHit || errors.Is(ex.Err, context.DeadlineExceeded):
			return failed(DeadlineExceeded, ex.Elapsed), DeadlineExceeded, nil
		case errors.Is(ex.Err, context.Canceled):
			return failed(Cancelled, ex.Elapsed), Cancelled, nil
		default:
			return nil, EngineFault, &FaultError{Op: "solve", Err: ex.Err}
		}
	}

	out := ex.Outcome
	if out == nil {
		return nil, EngineFault, faultf("solve", "engine returned no outcome")
	}

	res := &pb.SolveResult{SolveTime: pb.NewDuration(ex.Elapsed)}
	copyScalars(res, out)

	if !out.HasOrientation() {
		f := classifyMiss(out, ex)
		res.FailureReason = pb.Some(f.Reason())
		res.Status = pb.Some(f.Status())
		if f == NoSolution && out.Status != nil {
			res.Status = pb.Some(pb.SolveStatus(*out.Status))
		}
		return res, f, nil
	}

	res.ImageCenterCoords = &pb.CelestialCoord{Ra: *out.RA, Dec: *out.Dec}
	res.Status = pb.Some(FailureNone.Status())
	if out.Status != nil {
		res.Status = pb.Some(pb.SolveStatus(*out.Status))
	}

	var err error
	if res.TargetCoords, err = targetCoords(p, out); err != nil {
		return nil, EngineFault, err
	}
	if res.TargetSkyToImageCoords, err = targetImageCoords(p, out); err != nil {
		return nil, EngineFault, err
	}
	if res.MatchedStars, err = matchedStars(out); err != nil {
		return nil, EngineFault, err
	}
	res.PatternCentroids = fromRowCols(out.PatternCentroids)
	res.CatalogStars = catalogStars(out.CatalogStars)
	if out.RotationMatrix != nil {
		res.RotationMatrix = &pb.RotationMatrix{MatrixElements: cameraToSky(out.RotationMatrix)}
	}
	return res, FailureNone, nil
}

func classifyMiss(out *engine.Outcome, ex Execution) Failure {
	switch {
	case ex.Cancelled:
		return Cancelled
	// An engine interrupted at the deadline reports itself cancelled.
	case ex.DeadlineHit:
		return DeadlineExceeded
	case out.Status != nil && pb.SolveStatus(*out.Status) == pb.SolveStatus_TIMEOUT:
		return DeadlineExceeded
	case out.Status != nil && pb.SolveStatus(*out.Status) == pb.SolveStatus_CANCELLED:
		return Cancelled
	default:
		return NoSolution
	}
}

func copyScalars(res *pb.SolveResult, out *engine.Outcome) {
	res.Roll = pb.FromPtr(out.Roll)
	res.Fov = pb.FromPtr(out.FOV)
	res.Distortion = pb.FromPtr(out.Distortion)
	res.Rmse = pb.FromPtr(out.RMSE)
	res.P90E = pb.FromPtr(out.P90E)
	res.Maxe = pb.FromPtr(out.MaxE)
	res.Matches = pb.FromPtr(out.Matches)
	res.Prob = pb.FromPtr(out.Prob)
	res.EpochEquinox = pb.FromPtr(out.EpochEquinox)
	res.EpochProperMotion = pb.FromPtr(out.EpochProperMotion)
	res.CacheHitFraction = pb.FromPtr(out.CacheHitFraction)
}

func targetCoords(p *Params, out *engine.Outcome) ([]*pb.CelestialCoord, error) {
	n := len(p.TargetPixels)
	if n == 0 {
		return nil, nil
	}
	ras, decs := out.RATarget.List(), out.DecTarget.List()
	if ras != nil || decs != nil {
		if len(ras) != n || len(decs) != n {
			return nil, faultf("targetCoords", "engine returned %d/%d target coordinates for %d target pixels", len(ras), len(decs), n)
		}
		coords := make([]*pb.CelestialCoord, n)
		for i := range n {
			coords[i] = &pb.CelestialCoord{Ra: ras[i], Dec: decs[i]}
		}
		return coords, nil
	}

	cam, err := derivedCamera(p, out)
	if err != nil {
		return nil, faultf("targetCoords", "engine returned no target coordinates: %v", err)
	}
	coords := make([]*pb.CelestialCoord, n)
	for i, rc := range p.TargetPixels {
		coords[i] = cam.ToSky(fromRowCol(rc))
	}
	return coords, nil
}

func targetImageCoords(p *Params, out *engine.Outcome) ([]*pb.ImageCoord, error) {
	n := len(p.TargetSkyCoords)
	if n == 0 {
		return nil, nil
	}
	xs, ys := out.XTarget.List(), out.YTarget.List()
	if xs != nil || ys != nil {
		if len(xs) != n || len(ys) != n {
			return nil, faultf("targetSkyToImageCoords", "engine returned %d/%d image coordinates for %d target sky coordinates", len(xs), len(ys), n)
		}
		coords := make([]*pb.ImageCoord, n)
		for i := range n {
			if xs[i] == nil || ys[i] == nil {
				coords[i] = sentinel()
				continue
			}
			coords[i] = fromEngineXY(*xs[i], *ys[i])
		}
		return coords, nil
	}

	cam, err := derivedCamera(p, out)
	if err != nil {
		// A lone target outside the view comes back as a bare null, which is
		// indistinguishable from no output at all.
		if n == 1 {
			return []*pb.ImageCoord{sentinel()}, nil
		}
		return nil, faultf("targetSkyToImageCoords", "engine returned no image coordinates: %v", err)
	}
	coords := make([]*pb.ImageCoord, n)
	for i, sc := range p.TargetSkyCoords {
		coords[i] = cam.ToImage(&pb.CelestialCoord{Ra: sc.RA, Dec: sc.Dec})
	}
	return coords, nil
}

// derivedCamera rebuilds the solved camera from the engine's rotation matrix
// and field of view.
func derivedCamera(p *Params, out *engine.Outcome) (*Camera, error) {
	if out.RotationMatrix == nil || out.FOV == nil {
		return nil, errors.New("no rotation matrix to derive from")
	}
	k := p.Distortion.OrElse(0)
	if out.Distortion != nil {
		k = *out.Distortion
	}
	return NewCamera(cameraToSky(out.RotationMatrix), p.Size.Width, p.Size.Height, *out.FOV, k)
}

// cameraToSky flattens the transpose of the engine's sky-to-camera matrix.
func cameraToSky(m *[3][3]float64) []float64 {
	elems := make([]float64, 0, 9)
	for col := range 3 {
		for row := range 3 {
			elems = append(elems, m[row][col])
		}
	}
	return elems
}

func matchedStars(out *engine.Outcome) ([]*pb.MatchedStar, error) {
	if len(out.MatchedStars) == 0 {
		return nil, nil
	}
	n := len(out.MatchedStars)
	if len(out.MatchedCentroids) != n {
		return nil, faultf("matchedStars", "%d matched stars but %d matched centroids", n, len(out.MatchedCentroids))
	}
	if out.MatchedCatID != nil && len(out.MatchedCatID) != n {
		return nil, faultf("matchedStars", "%d matched stars but %d catalog ids", n, len(out.MatchedCatID))
	}
	stars := make([]*pb.MatchedStar, n)
	for i, s := range out.MatchedStars {
		star := &pb.MatchedStar{
			CelestialCoord: &pb.CelestialCoord{Ra: s[0], Dec: s[1]},
			Magnitude:      s[2],
			ImageCoord:     fromRowCol(out.MatchedCentroids[i]),
		}
		if out.MatchedCatID != nil {
			star.CatId = pb.Some(string(out.MatchedCatID[i]))
		}
		stars[i] = star
	}
	return stars, nil
}

func catalogStars(entries [][5]float64) []*pb.MatchedStar {
	if len(entries) == 0 {
		return nil
	}
	stars := make([]*pb.MatchedStar, len(entries))
	for i, e := range entries {
		stars[i] = &pb.MatchedStar{
			CelestialCoord: &pb.CelestialCoord{Ra: e[0], Dec: e[1]},
			Magnitude:      e[2],
			ImageCoord:     fromRowCol(engine.RowCol{Row: e[3], Col: e[4]}),
		}
	}
	return stars
}

// Describe renders a one-line summary of a result for logs and the CLI.
func Describe(res *pb.SolveResult) string {
	if res == nil {
		return "<nil>"
	}
	if reason, ok := res.FailureReason.Get(); ok {
		return fmt.Sprintf("%s: %s", res.Status.OrElse(pb.SolveStatus_UNSPECIFIED), reason)
	}
	c := res.ImageCenterCoords
	return fmt.Sprintf("ra=%.4f dec=%.4f roll=%.4f fov=%.4f matches=%d",
		c.Ra, c.Dec, res.Roll.OrElse(0), res.Fov.OrElse(0), res.Matches.OrElse(0))
}
