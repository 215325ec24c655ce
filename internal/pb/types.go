// Package pb holds the wire messages and gRPC bindings for the
// tetra3_server.Tetra3 service. Messages travel as JSON (content subtype
// "json"); optional scalars use Optional so that "unset" and "zero" stay
// distinct on the wire.
package pb

// SolveStatus mirrors the solver's status codes.
type SolveStatus int32

const (
	SolveStatus_UNSPECIFIED SolveStatus = 0
	SolveStatus_MATCH_FOUND SolveStatus = 1
	SolveStatus_NO_MATCH    SolveStatus = 2
	SolveStatus_TIMEOUT     SolveStatus = 3
	SolveStatus_CANCELLED   SolveStatus = 4
	SolveStatus_TOO_FEW     SolveStatus = 5
)

var solveStatusNames = map[SolveStatus]string{
	SolveStatus_UNSPECIFIED: "UNSPECIFIED",
	SolveStatus_MATCH_FOUND: "MATCH_FOUND",
	SolveStatus_NO_MATCH:    "NO_MATCH",
	SolveStatus_TIMEOUT:     "TIMEOUT",
	SolveStatus_CANCELLED:   "CANCELLED",
	SolveStatus_TOO_FEW:     "TOO_FEW",
}

func (s SolveStatus) String() string {
	if name, ok := solveStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ImageCoord is a pixel position; x is the column and y the row.
type ImageCoord struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CelestialCoord is a sky position in degrees.
type CelestialCoord struct {
	Ra  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

type SolveRequest struct {
	StarCentroids []*ImageCoord `json:"starCentroids,omitempty"`
	ImageWidth    int32         `json:"imageWidth"`
	ImageHeight   int32         `json:"imageHeight"`

	FovEstimate          Optional[float64] `json:"fovEstimate,omitzero"`
	FovMaxError          Optional[float64] `json:"fovMaxError,omitzero"`
	PatternCheckingStars Optional[int32]   `json:"patternCheckingStars,omitzero"`
	MatchRadius          Optional[float64] `json:"matchRadius,omitzero"`
	MatchThreshold       Optional[float64] `json:"matchThreshold,omitzero"`
	MatchMaxError        Optional[float64] `json:"matchMaxError,omitzero"`
	Distortion           Optional[float64] `json:"distortion,omitzero"`
	SolveTimeout         *Duration         `json:"solveTimeout,omitempty"`

	TargetPixels    []*ImageCoord     `json:"targetPixels,omitempty"`
	TargetSkyCoords []*CelestialCoord `json:"targetSkyCoords,omitempty"`

	ReturnMatches        bool `json:"returnMatches,omitempty"`
	ReturnCatalog        bool `json:"returnCatalog,omitempty"`
	ReturnRotationMatrix bool `json:"returnRotationMatrix,omitempty"`
}

type MatchedStar struct {
	CelestialCoord *CelestialCoord  `json:"celestialCoord,omitempty"`
	Magnitude      float64          `json:"magnitude"`
	ImageCoord     *ImageCoord      `json:"imageCoord,omitempty"`
	CatId          Optional[string] `json:"catId,omitzero"`
}

type RotationMatrix struct {
	MatrixElements []float64 `json:"matrixElements"`
}

type SolveResult struct {
	ImageCenterCoords *CelestialCoord   `json:"imageCenterCoords,omitempty"`
	Roll              Optional[float64] `json:"roll,omitzero"`
	Fov               Optional[float64] `json:"fov,omitzero"`
	Distortion        Optional[float64] `json:"distortion,omitzero"`
	Rmse              Optional[float64] `json:"rmse,omitzero"`
	P90E              Optional[float64] `json:"p90e,omitzero"`
	Maxe              Optional[float64] `json:"maxe,omitzero"`
	Matches           Optional[int32]   `json:"matches,omitzero"`
	Prob              Optional[float64] `json:"prob,omitzero"`
	EpochEquinox      Optional[int32]   `json:"epochEquinox,omitzero"`
	EpochProperMotion Optional[float64] `json:"epochProperMotion,omitzero"`
	CacheHitFraction  Optional[float64] `json:"cacheHitFraction,omitzero"`

	TargetCoords           []*CelestialCoord `json:"targetCoords,omitempty"`
	TargetSkyToImageCoords []*ImageCoord     `json:"targetSkyToImageCoords,omitempty"`
	MatchedStars           []*MatchedStar    `json:"matchedStars,omitempty"`
	PatternCentroids       []*ImageCoord     `json:"patternCentroids,omitempty"`
	CatalogStars           []*MatchedStar    `json:"catalogStars,omitempty"`
	RotationMatrix         *RotationMatrix   `json:"rotationMatrix,omitempty"`

	SolveTime     *Duration             `json:"solveTime"`
	FailureReason Optional[string]      `json:"failureReason,omitzero"`
	Status        Optional[SolveStatus] `json:"status,omitzero"`
}

type TransformRequest struct {
	RotationMatrix  *RotationMatrix   `json:"rotationMatrix"`
	ImageWidth      int32             `json:"imageWidth"`
	ImageHeight     int32             `json:"imageHeight"`
	Fov             float64           `json:"fov"`
	Distortion      Optional[float64] `json:"distortion,omitzero"`
	ImageCoords     []*ImageCoord     `json:"imageCoords,omitempty"`
	CelestialCoords []*CelestialCoord `json:"celestialCoords,omitempty"`
}

type TransformResponse struct {
	ImageCoords     []*ImageCoord     `json:"imageCoords,omitempty"`
	CelestialCoords []*CelestialCoord `json:"celestialCoords,omitempty"`
}

type CancelRequest struct{}

type CancelResponse struct {
	// Cancelled reports whether a solve was in flight when the request
	// arrived.
	Cancelled bool `json:"cancelled"`
}
