package mesh

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/kwv/tudoscan/cloud"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareScan() *cloud.PointSet[float64] {
	return cloud.MustPointSet[float64](2,
		cloud.Point[float64]{0, 0},
		cloud.Point[float64]{10, 0},
		cloud.Point[float64]{10, 10},
		cloud.Point[float64]{0, 10},
		cloud.Point[float64]{5, 5},
	)
}

func TestExportGeoJSON(t *testing.T) {
	scans := map[string]*cloud.PointSet[float64]{
		"alpha": squareScan(),
		"beta":  squareScan(),
		"solid": cloud.RandomCloud[float64](3, 10, 0, 1, 1),
		"pair":  cloud.MustPointSet[float64](2, cloud.Point[float64]{0, 0}, cloud.Point[float64]{1, 1}),
	}
	cal := &CalibrationData{
		ReferenceRobot: "alpha",
		Robots: map[string]RobotCalibration{
			"alpha": {Transform: cloud.Identity[float64](2), Converged: true, RunID: "run-1"},
			"beta":  {Transform: cloud.Rotation2D[float64](0, 100, 0), Converged: true, MeanError: 0.01, RunID: "run-1"},
		},
	}
	colors := map[string]string{"alpha": "#0000FF"}

	fc := ExportGeoJSON(scans, cal, colors, 0)

	// alpha: points + coverage, beta: points + coverage, pair: points only, solid skipped.
	require.Len(t, fc.Features, 5)

	alphaPoints := fc.Features[0]
	assert.Equal(t, "alpha", alphaPoints.ID)
	assert.Equal(t, LayerPoints, alphaPoints.Properties["layer"])
	assert.Equal(t, "#0000FF", alphaPoints.Properties["color"])
	assert.Equal(t, true, alphaPoints.Properties["reference"])
	assert.Equal(t, 5, alphaPoints.Properties["points"])
	mp, ok := alphaPoints.Geometry.(orb.MultiPoint)
	require.True(t, ok)
	assert.Len(t, mp, 5)

	alphaHull := fc.Features[1]
	assert.Equal(t, LayerCoverage, alphaHull.Properties["layer"])
	poly, ok := alphaHull.Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.Len(t, poly[0], 5, "closed square ring")
	assert.InDelta(t, 100, alphaHull.Properties["area"], 1e-9)

	betaPoints := fc.Features[2]
	assert.Equal(t, "beta", betaPoints.ID)
	assert.Equal(t, false, betaPoints.Properties["reference"])
	assert.Equal(t, 0.01, betaPoints.Properties["meanError"])
	assert.NotContains(t, betaPoints.Properties, "color")
	for _, p := range betaPoints.Geometry.(orb.MultiPoint) {
		assert.GreaterOrEqual(t, p[0], 100.0, "beta is shifted into the reference frame")
	}

	pairPoints := fc.Features[4]
	assert.Equal(t, "pair", pairPoints.ID)
	assert.Equal(t, LayerPoints, pairPoints.Properties["layer"])

	assert.Equal(t, geojson.BBox{0, 0, 110, 10}, fc.BBox)
}

func TestExportGeoJSON_Marshal(t *testing.T) {
	fc := ExportGeoJSON(map[string]*cloud.PointSet[float64]{"alpha": squareScan()}, nil, nil, 0)

	data, err := json.Marshal(fc)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "FeatureCollection", decoded["type"])

	back, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, back.Features, 2)
}

func TestExportGeoJSON_Empty(t *testing.T) {
	fc := ExportGeoJSON(nil, nil, nil, 0)
	assert.Empty(t, fc.Features)
	assert.Nil(t, fc.BBox)
}

func TestHullRing_Simplified(t *testing.T) {
	var circle orb.MultiPoint
	for i := 0; i < 36; i++ {
		a := float64(i) * 2 * math.Pi / 36
		circle = append(circle, orb.Point{10 * math.Cos(a), 10 * math.Sin(a)})
	}

	full := hullRing(circle, 0)
	require.Len(t, full, 37)
	assert.Equal(t, full[0], full[len(full)-1])

	simplified := hullRing(circle, 2)
	assert.Less(t, len(simplified), len(full))
	assert.GreaterOrEqual(t, len(simplified), 4)
	assert.Equal(t, simplified[0], simplified[len(simplified)-1])
}

func TestHullRing_Degenerate(t *testing.T) {
	assert.Nil(t, hullRing(orb.MultiPoint{{0, 0}, {1, 1}}, 0))
	assert.Nil(t, hullRing(orb.MultiPoint{{0, 0}, {1, 1}, {2, 2}}, 0), "collinear points have no area")
}

func TestConvexHull(t *testing.T) {
	hull := convexHull([]orb.Point{{0, 0}, {2, 0}, {1, 1}, {2, 2}, {0, 2}, {1, 0.5}})
	assert.ElementsMatch(t, []orb.Point{{0, 0}, {2, 0}, {2, 2}, {0, 2}}, hull)
}
