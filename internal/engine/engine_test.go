package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCardinalAcceptsScalarOrList(t *testing.T) {
	var out Outcome
	raw := `{"RA": 10, "Dec": 20, "RA_target": 83.5, "Dec_target": -5.25,
		"x_target": [12.5, null], "y_target": [7, null]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &out))

	require.True(t, out.RATarget.IsScalar())
	require.Equal(t, []float64{83.5}, out.RATarget.List())
	require.Equal(t, []float64{-5.25}, out.DecTarget.List())

	xs := out.XTarget.List()
	require.Len(t, xs, 2)
	require.Equal(t, 12.5, *xs[0])
	require.Nil(t, xs[1])
	require.False(t, out.XTarget.IsScalar())
}

func TestCardinalAbsentAndEmpty(t *testing.T) {
	var out Outcome
	require.NoError(t, json.Unmarshal([]byte(`{"RA_target": null, "Dec_target": []}`), &out))
	require.False(t, out.RATarget.Present())
	require.Nil(t, out.RATarget.List())
	require.True(t, out.DecTarget.Present())
	require.NotNil(t, out.DecTarget.List())
	require.Empty(t, out.DecTarget.List())

	var lone Cardinal[*float64]
	require.NoError(t, json.Unmarshal([]byte(`null`), &lone))
	require.False(t, lone.Present())
}

func TestCardinalMarshalKeepsShape(t *testing.T) {
	one, err := json.Marshal(One(1.5))
	require.NoError(t, err)
	require.JSONEq(t, `1.5`, string(one))

	many, err := json.Marshal(Many([]float64{1, 2}))
	require.NoError(t, err)
	require.JSONEq(t, `[1, 2]`, string(many))

	none, err := json.Marshal(Many[float64](nil))
	require.NoError(t, err)
	require.Equal(t, "null", string(none))
}

func TestCatalogIDForms(t *testing.T) {
	var ids []CatalogID
	require.NoError(t, json.Unmarshal([]byte(`[1234, "HIP 27989", [5, 1203, 1]]`), &ids))
	want := []CatalogID{"1234", "HIP 27989", "(5, 1203, 1)"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("catalog ids (-want +got):\n%s", diff)
	}

	var bad CatalogID
	require.Error(t, json.Unmarshal([]byte(`true`), &bad))
}

func TestOptionsWireForm(t *testing.T) {
	fov := 12.0
	k := 0.0
	opts := Options{
		FovEstimate:          &fov,
		Distortion:           &k,
		PatternCheckingStars: 8,
		MatchRadius:          0.01,
		MatchThreshold:       1e-3,
		SolveTimeout:         1500 * time.Millisecond,
		TargetPixels:         []RowCol{{Row: 1, Col: 2}},
		TargetSkyCoords:      []SkyCoord{{RA: 10, Dec: 20}},
		ReturnMatches:        true,
	}
	data, err := json.Marshal(opts)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, 1500.0, raw["solve_timeout"])
	require.Equal(t, 0.0, raw["distortion"], "explicit zero distortion must be sent")
	require.NotContains(t, raw, "fov_max_error")
	require.Equal(t, []any{[]any{1.0, 2.0}}, raw["target_pixel"])
	require.Equal(t, []any{[]any{10.0, 20.0}}, raw["target_sky_coord"])

	var back Options
	require.NoError(t, json.Unmarshal(data, &back))
	if diff := cmp.Diff(opts, back); diff != "" {
		t.Fatalf("options round trip (-want +got):\n%s", diff)
	}
}

func TestSizeTravelsAsHeightWidth(t *testing.T) {
	data, err := json.Marshal(Size{Height: 768, Width: 1024})
	require.NoError(t, err)
	require.Equal(t, "[768,1024]", string(data))
}
