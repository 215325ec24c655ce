package solver

import (
	"time"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
)

// MinCentroids is the fewest centroids the engine can form a pattern from.
const MinCentroids = 4

// Defaults fill the optional request fields the service always resolves
// itself rather than leaving to the engine.
type Defaults struct {
	MatchRadius          float64
	MatchThreshold       float64
	PatternCheckingStars int
}

// StandardDefaults are the values used when configuration does not override
// them.
func StandardDefaults() Defaults {
	return Defaults{
		MatchRadius:          0.01,
		MatchThreshold:       1e-3,
		PatternCheckingStars: 8,
	}
}

// Params is a solve request with every optional resolved. Optional fields
// that remain unset are left for the engine to default.
type Params struct {
	Centroids []engine.RowCol
	Size      engine.Size

	FovEstimate          pb.Optional[float64]
	FovMaxError          pb.Optional[float64]
	MatchMaxError        pb.Optional[float64]
	Distortion           pb.Optional[float64]
	SolveTimeout         pb.Optional[time.Duration]
	MatchRadius          float64
	MatchThreshold       float64
	PatternCheckingStars int

	// nil when the request carried no targets
	TargetPixels    []engine.RowCol
	TargetSkyCoords []engine.SkyCoord

	ReturnMatches        bool
	ReturnCatalog        bool
	ReturnRotationMatrix bool
}

// Normalize validates req and resolves its defaults. Malformed requests
// return an error wrapping ErrInvalidArgument. A request with too few
// centroids returns the resolved Params together with a
// *PreconditionError, so the caller can still report on it.
func Normalize(req *pb.SolveRequest, d Defaults) (*Params, error) {
	if req == nil {
		return nil, invalidf("empty request")
	}
	if req.ImageWidth <= 0 || req.ImageHeight <= 0 {
		return nil, invalidf("image size %dx%d must be positive", req.ImageWidth, req.ImageHeight)
	}

	p := &Params{
		Size:                 engine.Size{Height: int(req.ImageHeight), Width: int(req.ImageWidth)},
		FovEstimate:          req.FovEstimate,
		FovMaxError:          req.FovMaxError,
		MatchMaxError:        req.MatchMaxError,
		Distortion:           req.Distortion,
		MatchRadius:          req.MatchRadius.OrElse(d.MatchRadius),
		MatchThreshold:       req.MatchThreshold.OrElse(d.MatchThreshold),
		PatternCheckingStars: d.PatternCheckingStars,
		ReturnMatches:        req.ReturnMatches,
		ReturnCatalog:        req.ReturnCatalog,
		ReturnRotationMatrix: req.ReturnRotationMatrix,
	}
	if n, ok := req.PatternCheckingStars.Get(); ok {
		if n <= 0 {
			return nil, invalidf("patternCheckingStars %d must be positive", n)
		}
		p.PatternCheckingStars = int(n)
	}

	if req.SolveTimeout != nil {
		timeout, err := req.SolveTimeout.AsDuration()
		if err != nil {
			return nil, invalidf("solveTimeout: %v", err)
		}
		p.SolveTimeout = pb.Some(timeout)
	}

	var err error
	if p.Centroids, err = toRowCols(req.StarCentroids, "starCentroids"); err != nil {
		return nil, err
	}
	if p.TargetPixels, err = toRowCols(req.TargetPixels, "targetPixels"); err != nil {
		return nil, err
	}
	if p.TargetSkyCoords, err = toSkyCoords(req.TargetSkyCoords, "targetSkyCoords"); err != nil {
		return nil, err
	}

	if len(p.Centroids) < MinCentroids {
		return p, &PreconditionError{Count: len(p.Centroids)}
	}
	return p, nil
}

// Options builds the engine options for a solve with the given budget.
func (p *Params) Options(budget time.Duration) engine.Options {
	return engine.Options{
		FovEstimate:          p.FovEstimate.Ptr(),
		FovMaxError:          p.FovMaxError.Ptr(),
		PatternCheckingStars: p.PatternCheckingStars,
		MatchRadius:          p.MatchRadius,
		MatchThreshold:       p.MatchThreshold,
		MatchMaxError:        p.MatchMaxError.Ptr(),
		Distortion:           p.Distortion.Ptr(),
		SolveTimeout:         budget,
		TargetPixels:         p.TargetPixels,
		TargetSkyCoords:      p.TargetSkyCoords,
		ReturnMatches:        p.ReturnMatches,
		ReturnCatalog:        p.ReturnCatalog,
		ReturnRotationMatrix: p.ReturnRotationMatrix,
	}
}
