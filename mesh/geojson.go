package mesh

import (
	"log"
	"maps"
	"math"
	"slices"
	"sort"

	"github.com/kwv/tudoscan/cloud"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Layer names carried in the "layer" feature property.
const (
	LayerPoints   = "points"
	LayerCoverage = "coverage"
)

// ExportGeoJSON converts every 2D scan into the reference frame using the
// cached transforms and emits, per robot, a MultiPoint of the aligned points
// and a Polygon of their convex hull. Hull outlines are simplified with
// Douglas-Peucker when tolerance > 0. Robots are emitted in ID order; scans
// that are not 2D are skipped.
func ExportGeoJSON(scans map[string]*cloud.PointSet[float64], cal *CalibrationData, colors map[string]string, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	var bound orb.Bound
	hasBound := false

	for _, id := range slices.Sorted(maps.Keys(scans)) {
		ps := scans[id]
		if ps.Len() == 0 {
			continue
		}
		if ps.Dim() != 2 {
			log.Printf("[GEOJSON] %s: skipping %dD scan", id, ps.Dim())
			continue
		}

		aligned := alignedPoints(ps, cal.GetAffine(id))
		props := robotProperties(id, cal, colors)

		pf := geojson.NewFeature(aligned)
		pf.ID = id
		maps.Copy(pf.Properties, props)
		pf.Properties["layer"] = LayerPoints
		pf.Properties["points"] = len(aligned)
		fc.Append(pf)

		if ring := hullRing(aligned, tolerance); ring != nil {
			poly := orb.Polygon{ring}
			hf := geojson.NewFeature(poly)
			maps.Copy(hf.Properties, props)
			hf.Properties["layer"] = LayerCoverage
			hf.Properties["area"] = math.Abs(planar.Area(poly))
			fc.Append(hf)
		}

		b := aligned.Bound()
		if hasBound {
			bound = bound.Union(b)
		} else {
			bound, hasBound = b, true
		}
	}

	if hasBound {
		fc.BBox = geojson.NewBBox(bound)
	}
	return fc
}

func alignedPoints(ps *cloud.PointSet[float64], m cloud.AffineMatrix) orb.MultiPoint {
	mp := make(orb.MultiPoint, ps.Len())
	for i, p := range ps.Points() {
		x, y := m.TransformXY(p[0], p[1])
		mp[i] = orb.Point{x, y}
	}
	return mp
}

func robotProperties(id string, cal *CalibrationData, colors map[string]string) geojson.Properties {
	props := geojson.Properties{"robotId": id}
	if c := colors[id]; c != "" {
		props["color"] = c
	}
	if cal != nil {
		props["reference"] = id == cal.ReferenceRobot
		if rc := cal.GetRobotCalibration(id); rc != nil {
			props["meanError"] = rc.MeanError
			props["converged"] = rc.Converged
			props["runId"] = rc.RunID
		}
	}
	return props
}

func toOrb(points [][2]float64) []orb.Point {
	out := make([]orb.Point, len(points))
	for i, p := range points {
		out[i] = orb.Point(p)
	}
	return out
}

// hullRing returns the closed convex hull ring, or nil for fewer than three
// non-collinear points.
func hullRing(points orb.MultiPoint, tolerance float64) orb.Ring {
	hull := convexHull(points)
	if len(hull) < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	ring = append(ring, hull[0])

	if tolerance > 0 {
		if simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ring.Clone()).(orb.Ring); ok && len(simplified) >= 4 {
			ring = simplified
		}
	}
	return ring
}

// convexHull computes the convex hull of a set of 2D points using
// Andrew's monotone chain. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	// cross product of OA and OB
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// last point repeats the first
	return hull[:len(hull)-1]
}
