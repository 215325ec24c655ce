package solver

import (
	"tetra3d/internal/engine"
	"tetra3d/internal/pb"
)

// Wire points are (x=column, y=row); the engine works in (row, column).
// Every conversion between the two goes through this file.

func toRowCol(p *pb.ImageCoord) engine.RowCol {
	return engine.RowCol{Row: p.Y, Col: p.X}
}

func fromRowCol(rc engine.RowCol) *pb.ImageCoord {
	return &pb.ImageCoord{X: rc.Col, Y: rc.Row}
}

func toRowCols(points []*pb.ImageCoord, field string) ([]engine.RowCol, error) {
	if len(points) == 0 {
		return nil, nil
	}
	out := make([]engine.RowCol, len(points))
	for i, p := range points {
		if p == nil {
			return nil, invalidf("%s[%d] is null", field, i)
		}
		out[i] = toRowCol(p)
	}
	return out, nil
}

func fromRowCols(rcs []engine.RowCol) []*pb.ImageCoord {
	if len(rcs) == 0 {
		return nil
	}
	out := make([]*pb.ImageCoord, len(rcs))
	for i, rc := range rcs {
		out[i] = fromRowCol(rc)
	}
	return out
}

func toSkyCoords(coords []*pb.CelestialCoord, field string) ([]engine.SkyCoord, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	out := make([]engine.SkyCoord, len(coords))
	for i, c := range coords {
		if c == nil {
			return nil, invalidf("%s[%d] is null", field, i)
		}
		out[i] = engine.SkyCoord{RA: c.Ra, Dec: c.Dec}
	}
	return out, nil
}

// fromEngineXY converts the engine's per-target image outputs, which it
// names x (column) and y (row) rather than using RowCol.
func fromEngineXY(x, y float64) *pb.ImageCoord {
	return fromRowCol(engine.RowCol{Row: y, Col: x})
}

// sentinel marks a sky position with no place in the image.
func sentinel() *pb.ImageCoord {
	return &pb.ImageCoord{X: -1, Y: -1}
}
