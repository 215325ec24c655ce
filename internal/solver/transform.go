package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
)

const (
	distortTolerance = 1e-9
	distortMaxIter   = 100
)

// Camera is the pinhole-plus-radial-distortion model the engine solves
// with. The boresight is the camera x axis; camera y grows towards smaller
// columns and camera z towards smaller rows.
type Camera struct {
	// rotation maps camera-frame vectors to the celestial frame.
	rotation *mat.Dense
	width    float64
	height   float64
	scale    float64
	k        float64
}

// NewCamera builds a camera from a row-major camera-to-celestial rotation
// matrix, the image size in pixels, the horizontal field of view in degrees
// and the radial distortion coefficient.
func NewCamera(rotation []float64, width, height int, fovDeg, distortion float64) (*Camera, error) {
	if len(rotation) != 9 {
		return nil, invalidf("rotation matrix has %d elements, want 9", len(rotation))
	}
	for i, v := range rotation {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalidf("rotation matrix element %d is not finite", i)
		}
	}
	if width <= 0 || height <= 0 {
		return nil, invalidf("image size %dx%d must be positive", width, height)
	}
	if !(fovDeg > 0 && fovDeg < 180) {
		return nil, invalidf("fov %v must be in (0, 180) degrees", fovDeg)
	}
	if distortion >= 1 || math.IsNaN(distortion) {
		return nil, invalidf("distortion %v must be below 1", distortion)
	}
	elems := make([]float64, 9)
	copy(elems, rotation)
	return &Camera{
		rotation: mat.NewDense(3, 3, elems),
		width:    float64(width),
		height:   float64(height),
		scale:    2 * math.Tan(fovDeg*math.Pi/360) / float64(width),
		k:        distortion,
	}, nil
}

// ToSky maps an image position to the sky.
func (c *Camera) ToSky(p *pb.ImageCoord) *pb.CelestialCoord {
	rc := toRowCol(p)
	row, col := c.undistort(rc.Row, rc.Col)

	cam := mat.NewVecDense(3, []float64{
		1,
		(c.width/2 - col) * c.scale,
		(c.height/2 - row) * c.scale,
	})
	cam.ScaleVec(1/mat.Norm(cam, 2), cam)

	var sky mat.VecDense
	sky.MulVec(c.rotation, cam)
	return vectorToSky(sky.RawVector().Data)
}

// ToImage maps a sky position into the image, or returns the sentinel when
// it falls outside the field of view.
func (c *Camera) ToImage(s *pb.CelestialCoord) *pb.ImageCoord {
	var cam mat.VecDense
	cam.MulVec(c.rotation.T(), mat.NewVecDense(3, skyToVector(s)))
	v := cam.RawVector().Data
	if v[0] <= 0 {
		return sentinel()
	}

	col := c.width/2 - v[1]/v[0]/c.scale
	row := c.height/2 - v[2]/v[0]/c.scale
	row, col, ok := c.distort(row, col)
	if !ok || col < 0 || col > c.width || row < 0 || row > c.height {
		return sentinel()
	}
	return fromRowCol(engine.RowCol{Row: row, Col: col})
}

// undistort applies r_u = r_d(1 - k r_d^2)/(1 - k), radii normalized by
// half the image width.
func (c *Camera) undistort(row, col float64) (float64, float64) {
	if c.k == 0 {
		return row, col
	}
	dy, dx := row-c.height/2, col-c.width/2
	r := math.Hypot(dx, dy) / c.width * 2
	f := (1 - c.k*r*r) / (1 - c.k)
	return c.height/2 + dy*f, c.width/2 + dx*f
}

// distort inverts undistort with Newton's method on the radius. It reports
// false when no distorted radius maps onto the undistorted one.
func (c *Camera) distort(row, col float64) (float64, float64, bool) {
	if c.k == 0 {
		return row, col, true
	}
	dy, dx := row-c.height/2, col-c.width/2
	ru := math.Hypot(dx, dy) / c.width * 2
	if ru == 0 {
		return row, col, true
	}
	rd := ru
	for range distortMaxIter {
		est := rd * (1 - c.k*rd*rd) / (1 - c.k)
		slope := (1 - 3*c.k*rd*rd) / (1 - c.k)
		if slope <= 0 {
			return 0, 0, false
		}
		delta := (est - ru) / slope
		rd -= delta
		if rd <= 0 || math.IsNaN(rd) {
			return 0, 0, false
		}
		if math.Abs(delta) < distortTolerance {
			f := rd / ru
			return c.height/2 + dy*f, c.width/2 + dx*f, true
		}
	}
	return 0, 0, false
}

func skyToVector(s *pb.CelestialCoord) []float64 {
	ra := s.Ra * math.Pi / 180
	dec := s.Dec * math.Pi / 180
	return []float64{
		math.Cos(ra) * math.Cos(dec),
		math.Sin(ra) * math.Cos(dec),
		math.Sin(dec),
	}
}

func vectorToSky(v []float64) *pb.CelestialCoord {
	ra := math.Atan2(v[1], v[0]) * 180 / math.Pi
	if ra < 0 {
		ra += 360
	}
	if ra >= 360 {
		ra -= 360
	}
	z := math.Max(-1, math.Min(1, v[2]))
	return &pb.CelestialCoord{Ra: ra, Dec: math.Asin(z) * 180 / math.Pi}
}

// Transform converts each non-empty coordinate list in req. Output lists
// match their inputs one-to-one.
func Transform(req *pb.TransformRequest) (*pb.TransformResponse, error) {
	if req == nil {
		return nil, invalidf("empty request")
	}
	if req.RotationMatrix == nil {
		return nil, invalidf("rotation matrix is required")
	}
	cam, err := NewCamera(req.RotationMatrix.MatrixElements,
		int(req.ImageWidth), int(req.ImageHeight), req.Fov, req.Distortion.OrElse(0))
	if err != nil {
		return nil, err
	}

	resp := &pb.TransformResponse{}
	if len(req.ImageCoords) > 0 {
		resp.CelestialCoords = make([]*pb.CelestialCoord, len(req.ImageCoords))
		for i, p := range req.ImageCoords {
			if p == nil {
				return nil, invalidf("imageCoords[%d] is null", i)
			}
			resp.CelestialCoords[i] = cam.ToSky(p)
		}
	}
	if len(req.CelestialCoords) > 0 {
		resp.ImageCoords = make([]*pb.ImageCoord, len(req.CelestialCoords))
		for i, s := range req.CelestialCoords {
			if s == nil {
				return nil, invalidf("celestialCoords[%d] is null", i)
			}
			resp.ImageCoords[i] = cam.ToImage(s)
		}
	}
	return resp, nil
}
