// Package cloud holds the point-set data model shared by the spatial index and
// the ICP driver: points, point sets, rigid transforms, plus the small set of
// point-cloud utilities (voxel downsampling, sorting, codecs) used around them.
package cloud

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when points of different dimension are mixed.
	ErrDimensionMismatch = errors.New("cloud: dimension mismatch")

	// ErrInvalidCoordinate is returned for NaN or infinite coordinates.
	ErrInvalidCoordinate = errors.New("cloud: NaN or Inf coordinate")

	// ErrEmptyCloud is returned when an operation needs at least one point.
	ErrEmptyCloud = errors.New("cloud: empty point set")

	// ErrNotRotation is returned when a matrix is not a proper rotation.
	ErrNotRotation = errors.New("cloud: matrix is not a proper rotation")

	// ErrInvalidVoxelSize is returned for non-positive voxel sizes.
	ErrInvalidVoxelSize = errors.New("cloud: voxel size must be positive")
)

// Float is the scalar capability set: single or double precision.
type Float interface {
	~float32 | ~float64
}

// Point is a fixed-length coordinate vector. Points are treated as immutable;
// operations that move a point return a new one.
type Point[T Float] []T

// Dim returns the number of coordinates.
func (p Point[T]) Dim() int {
	return len(p)
}

// Clone returns a copy that shares no memory with p.
func (p Point[T]) Clone() Point[T] {
	out := make(Point[T], len(p))
	copy(out, p)
	return out
}

// DistanceSquared returns the squared Euclidean distance to q.
// Both points must have the same dimension.
func (p Point[T]) DistanceSquared(q Point[T]) T {
	var sum T
	for i := range p {
		d := p[i] - q[i]
		sum += d * d
	}
	return sum
}

// Distance returns the Euclidean distance to q.
func (p Point[T]) Distance(q Point[T]) T {
	return T(math.Sqrt(float64(p.DistanceSquared(q))))
}

// Equal reports whether p and q are within eps of each other (Euclidean).
func (p Point[T]) Equal(q Point[T], eps T) bool {
	if len(p) != len(q) {
		return false
	}
	return p.DistanceSquared(q) <= eps*eps
}

// valid reports whether all coordinates are finite.
func (p Point[T]) valid() bool {
	for _, c := range p {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// PointSet is an ordered collection of points sharing one dimension.
// Order carries no meaning for the algorithms but is preserved so results are
// reproducible.
type PointSet[T Float] struct {
	dim    int
	points []Point[T]
}

// NewPointSet validates and wraps the given points. The points are copied so
// later mutation of the caller's slices cannot break the set.
func NewPointSet[T Float](dim int, pts ...Point[T]) (*PointSet[T], error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	ps := &PointSet[T]{dim: dim, points: make([]Point[T], 0, len(pts))}
	for i, p := range pts {
		if len(p) != dim {
			return nil, fmt.Errorf("%w: point %d has %d coordinates, want %d", ErrDimensionMismatch, i, len(p), dim)
		}
		if !p.valid() {
			return nil, fmt.Errorf("%w: point %d", ErrInvalidCoordinate, i)
		}
		ps.points = append(ps.points, p.Clone())
	}
	return ps, nil
}

// MustPointSet is NewPointSet for literals in tests and tools; it panics on error.
func MustPointSet[T Float](dim int, pts ...Point[T]) *PointSet[T] {
	ps, err := NewPointSet(dim, pts...)
	if err != nil {
		panic(err)
	}
	return ps
}

// Dim returns the dimension shared by every point.
func (ps *PointSet[T]) Dim() int {
	return ps.dim
}

// Len returns the number of points.
func (ps *PointSet[T]) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.points)
}

// At returns the i-th point. The returned slice must not be modified.
func (ps *PointSet[T]) At(i int) Point[T] {
	return ps.points[i]
}

// Points returns the backing slice as a read-only view.
func (ps *PointSet[T]) Points() []Point[T] {
	return ps.points
}

// Clone returns a deep copy.
func (ps *PointSet[T]) Clone() *PointSet[T] {
	out := &PointSet[T]{dim: ps.dim, points: make([]Point[T], len(ps.points))}
	for i, p := range ps.points {
		out.points[i] = p.Clone()
	}
	return out
}

// Centroid returns the mean point, or the origin for an empty set.
func (ps *PointSet[T]) Centroid() Point[T] {
	return centroid(ps.dim, ps.points)
}

// Bounds returns the per-axis minimum and maximum corners.
func (ps *PointSet[T]) Bounds() (Point[T], Point[T], error) {
	if len(ps.points) == 0 {
		return nil, nil, ErrEmptyCloud
	}
	lo := ps.points[0].Clone()
	hi := ps.points[0].Clone()
	for _, p := range ps.points[1:] {
		for i, c := range p {
			if c < lo[i] {
				lo[i] = c
			}
			if c > hi[i] {
				hi[i] = c
			}
		}
	}
	return lo, hi, nil
}

func centroid[T Float](dim int, pts []Point[T]) Point[T] {
	c := make(Point[T], dim)
	if len(pts) == 0 {
		return c
	}
	// Accumulate in float64 so float32 clouds keep precision.
	sum := make([]float64, dim)
	for _, p := range pts {
		for i, v := range p {
			sum[i] += float64(v)
		}
	}
	n := float64(len(pts))
	for i := range c {
		c[i] = T(sum[i] / n)
	}
	return c
}

// NearestNaive finds the point of ps closest to q by exhaustive search and
// returns its index and squared distance. Ties go to the lowest index.
func NearestNaive[T Float](ps *PointSet[T], q Point[T]) (int, T, error) {
	if ps.Len() == 0 {
		return -1, 0, ErrEmptyCloud
	}
	if len(q) != ps.dim {
		return -1, 0, fmt.Errorf("%w: query has %d coordinates, want %d", ErrDimensionMismatch, len(q), ps.dim)
	}
	best := -1
	var bestDist T
	for i, p := range ps.points {
		d := p.DistanceSquared(q)
		if best < 0 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist, nil
}
