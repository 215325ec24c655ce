// Package engine defines the contract between the adapter layer and the
// plate-solving engine, and provides a binding that drives the tetra3
// solver as a supervised worker process.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine is a loaded solver. Solve is not reentrant; callers serialize it.
// Cancel may be called from any goroutine and only affects a solve that is
// currently executing.
type Engine interface {
	Solve(ctx context.Context, centroids []RowCol, size Size, opts Options) (*Outcome, error)
	Cancel()
}

// RowCol is a pixel position in the engine's (row, column) order. It
// travels as a two-element array.
type RowCol struct {
	Row float64
	Col float64
}

func (rc RowCol) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{rc.Row, rc.Col})
}

func (rc *RowCol) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("row/col pair: %w", err)
	}
	rc.Row, rc.Col = pair[0], pair[1]
	return nil
}

// SkyCoord is an (ra, dec) pair in degrees.
type SkyCoord struct {
	RA  float64
	Dec float64
}

func (sc SkyCoord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{sc.RA, sc.Dec})
}

func (sc *SkyCoord) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("ra/dec pair: %w", err)
	}
	sc.RA, sc.Dec = pair[0], pair[1]
	return nil
}

// Size is the image size as (height, width).
type Size struct {
	Height int
	Width  int
}

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Height, s.Width})
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("image size: %w", err)
	}
	s.Height, s.Width = pair[0], pair[1]
	return nil
}

// Options are the fully resolved solve parameters. Nil pointers and nil
// slices mean "let the engine choose" / "not requested".
type Options struct {
	FovEstimate          *float64
	FovMaxError          *float64
	PatternCheckingStars int
	MatchRadius          float64
	MatchThreshold       float64
	MatchMaxError        *float64
	Distortion           *float64
	SolveTimeout         time.Duration
	TargetPixels         []RowCol
	TargetSkyCoords      []SkyCoord
	ReturnMatches        bool
	ReturnCatalog        bool
	ReturnRotationMatrix bool
}

type optionsJSON struct {
	FovEstimate          *float64   `json:"fov_estimate,omitempty"`
	FovMaxError          *float64   `json:"fov_max_error,omitempty"`
	PatternCheckingStars int        `json:"pattern_checking_stars"`
	MatchRadius          float64    `json:"match_radius"`
	MatchThreshold       float64    `json:"match_threshold"`
	MatchMaxError        *float64   `json:"match_max_error,omitempty"`
	Distortion           *float64   `json:"distortion,omitempty"`
	SolveTimeoutMS       float64    `json:"solve_timeout"`
	TargetPixel          []RowCol   `json:"target_pixel,omitempty"`
	TargetSkyCoord       []SkyCoord `json:"target_sky_coord,omitempty"`
	ReturnMatches        bool       `json:"return_matches"`
	ReturnCatalog        bool       `json:"return_catalog"`
	ReturnRotationMatrix bool       `json:"return_rotation_matrix"`
}

// MarshalJSON uses the solver's keyword names; the timeout goes out in
// milliseconds.
func (o Options) MarshalJSON() ([]byte, error) {
	return json.Marshal(optionsJSON{
		FovEstimate:          o.FovEstimate,
		FovMaxError:          o.FovMaxError,
		PatternCheckingStars: o.PatternCheckingStars,
		MatchRadius:          o.MatchRadius,
		MatchThreshold:       o.MatchThreshold,
		MatchMaxError:        o.MatchMaxError,
		Distortion:           o.Distortion,
		SolveTimeoutMS:       float64(o.SolveTimeout) / float64(time.Millisecond),
		TargetPixel:          o.TargetPixels,
		TargetSkyCoord:       o.TargetSkyCoords,
		ReturnMatches:        o.ReturnMatches,
		ReturnCatalog:        o.ReturnCatalog,
		ReturnRotationMatrix: o.ReturnRotationMatrix,
	})
}

func (o *Options) UnmarshalJSON(data []byte) error {
	var raw optionsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Options{
		FovEstimate:          raw.FovEstimate,
		FovMaxError:          raw.FovMaxError,
		PatternCheckingStars: raw.PatternCheckingStars,
		MatchRadius:          raw.MatchRadius,
		MatchThreshold:       raw.MatchThreshold,
		MatchMaxError:        raw.MatchMaxError,
		Distortion:           raw.Distortion,
		SolveTimeout:         time.Duration(raw.SolveTimeoutMS * float64(time.Millisecond)),
		TargetPixels:         raw.TargetPixel,
		TargetSkyCoords:      raw.TargetSkyCoord,
		ReturnMatches:        raw.ReturnMatches,
		ReturnCatalog:        raw.ReturnCatalog,
		ReturnRotationMatrix: raw.ReturnRotationMatrix,
	}
	return nil
}

// Outcome is the engine's sparse result record. Every field may be absent.
// JSON keys follow the solver's result dictionary.
type Outcome struct {
	RA                *float64 `json:"RA"`
	Dec               *float64 `json:"Dec"`
	Roll              *float64 `json:"Roll"`
	FOV               *float64 `json:"FOV"`
	Distortion        *float64 `json:"distortion"`
	RMSE              *float64 `json:"RMSE"`
	P90E              *float64 `json:"P90E"`
	MaxE              *float64 `json:"MaxE"`
	Matches           *int32   `json:"Matches"`
	Prob              *float64 `json:"Prob"`
	EpochEquinox      *int32   `json:"epoch_equinox"`
	EpochProperMotion *float64 `json:"epoch_proper_motion"`
	CacheHitFraction  *float64 `json:"cache_hit_fraction"`
	// TSolve is the engine's own timing in milliseconds. Informational only.
	TSolve *float64 `json:"T_solve"`
	Status *int32   `json:"status"`

	RATarget  Cardinal[float64]  `json:"RA_target"`
	DecTarget Cardinal[float64]  `json:"Dec_target"`
	XTarget   Cardinal[*float64] `json:"x_target"`
	YTarget   Cardinal[*float64] `json:"y_target"`

	// MatchedStars holds (ra, dec, magnitude) per match, parallel to
	// MatchedCentroids and, when supplied, MatchedCatID.
	MatchedStars     [][3]float64 `json:"matched_stars"`
	MatchedCentroids []RowCol     `json:"matched_centroids"`
	MatchedCatID     []CatalogID  `json:"matched_catID"`

	PatternCentroids []RowCol `json:"pattern_centroids"`
	// CatalogStars holds (ra, dec, magnitude, row, col) per catalog star in
	// the field of view.
	CatalogStars [][5]float64 `json:"catalog_stars"`
	// RotationMatrix maps celestial vectors into the camera frame.
	RotationMatrix *[3][3]float64 `json:"rotation_matrix"`
}

// HasOrientation reports whether the engine produced a pointing solution.
func (o *Outcome) HasOrientation() bool {
	return o != nil && o.RA != nil && o.Dec != nil
}

// Cardinal holds a per-target output that the engine reports as a lone
// value when exactly one target was requested and as a list otherwise.
type Cardinal[T any] struct {
	values  []T
	scalar  bool
	present bool
}

// One builds a scalar-shaped Cardinal.
func One[T any](v T) Cardinal[T] {
	return Cardinal[T]{values: []T{v}, scalar: true, present: true}
}

// Many builds a list-shaped Cardinal. A nil slice is treated as absent.
func Many[T any](vs []T) Cardinal[T] {
	return Cardinal[T]{values: vs, present: vs != nil}
}

func (c Cardinal[T]) Present() bool { return c.present }

func (c Cardinal[T]) IsScalar() bool { return c.scalar }

// List returns the values as a list, wrapping a lone scalar. Absent yields
// nil.
func (c Cardinal[T]) List() []T {
	if !c.present {
		return nil
	}
	return c.values
}

func (c Cardinal[T]) MarshalJSON() ([]byte, error) {
	switch {
	case !c.present:
		return []byte("null"), nil
	case c.scalar:
		return json.Marshal(c.values[0])
	default:
		return json.Marshal(c.values)
	}
}

func (c *Cardinal[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = Cardinal[T]{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var vs []T
		if err := json.Unmarshal(data, &vs); err != nil {
			return err
		}
		if vs == nil {
			vs = []T{}
		}
		*c = Many(vs)
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = One(v)
	return nil
}

// CatalogID is a star catalog identifier. The solver emits plain integers,
// strings or tuples (Tycho ids); all are rendered as text.
type CatalogID string

func (id *CatalogID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return fmt.Errorf("empty catalog id")
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = CatalogID(s)
	case data[0] == '[':
		var parts []json.Number
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&parts); err != nil {
			return fmt.Errorf("catalog id tuple: %w", err)
		}
		strs := make([]string, len(parts))
		for i, p := range parts {
			strs[i] = p.String()
		}
		*id = CatalogID("(" + strings.Join(strs, ", ") + ")")
	default:
		if _, err := strconv.ParseFloat(string(data), 64); err != nil {
			return fmt.Errorf("catalog id %s: %w", data, err)
		}
		*id = CatalogID(data)
	}
	return nil
}
