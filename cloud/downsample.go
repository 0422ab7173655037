package cloud

import (
	"cmp"
	"fmt"
	"math"
	"math/rand"
	"slices"
)

// DownsampleVoxel replaces all points falling in the same axis-aligned voxel
// with their mean. Output is ordered by voxel key so repeated calls agree.
func DownsampleVoxel[T Float](ps *PointSet[T], voxelSize float64) (*PointSet[T], error) {
	if !(voxelSize > 0) || math.IsInf(voxelSize, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVoxelSize, voxelSize)
	}
	type bucket struct {
		key []int64
		pts []Point[T]
	}
	buckets := make(map[string]*bucket)
	keyBuf := make([]int64, ps.dim)
	for _, p := range ps.points {
		for i, c := range p {
			keyBuf[i] = int64(math.Floor(float64(c) / voxelSize))
		}
		k := fmt.Sprint(keyBuf)
		b, ok := buckets[k]
		if !ok {
			b = &bucket{key: append([]int64(nil), keyBuf...)}
			buckets[k] = b
		}
		b.pts = append(b.pts, p)
	}

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	slices.SortFunc(ordered, func(a, b *bucket) int {
		return slices.Compare(a.key, b.key)
	})

	out := &PointSet[T]{dim: ps.dim, points: make([]Point[T], 0, len(ordered))}
	for _, b := range ordered {
		out.points = append(out.points, centroid(ps.dim, b.pts))
	}
	return out, nil
}

// LexSort returns a copy of ps sorted lexicographically by coordinate.
func LexSort[T Float](ps *PointSet[T]) *PointSet[T] {
	out := ps.Clone()
	slices.SortStableFunc(out.points, func(a, b Point[T]) int {
		for i := range a {
			if c := cmp.Compare(a[i], b[i]); c != 0 {
				return c
			}
		}
		return 0
	})
	return out
}

// Sample returns at most max points picked at a uniform stride, keeping order.
func Sample[T Float](ps *PointSet[T], max int) *PointSet[T] {
	if max <= 0 || len(ps.points) <= max {
		return ps
	}
	out := &PointSet[T]{dim: ps.dim, points: make([]Point[T], max)}
	if max == 1 {
		out.points[0] = ps.points[0]
		return out
	}
	step := float64(len(ps.points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		out.points[i] = ps.points[int(float64(i)*step)]
	}
	return out
}

// RandomCloud generates n points uniformly distributed in [lo, hi) on every
// axis. The same seed always yields the same cloud.
func RandomCloud[T Float](dim, n int, lo, hi float64, seed int64) *PointSet[T] {
	rng := rand.New(rand.NewSource(seed))
	ps := &PointSet[T]{dim: dim, points: make([]Point[T], n)}
	for i := range ps.points {
		p := make(Point[T], dim)
		for j := range p {
			p[j] = T(lo + rng.Float64()*(hi-lo))
		}
		ps.points[i] = p
	}
	return ps
}
