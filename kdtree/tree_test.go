package kdtree

import (
	"fmt"
	"math/bits"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudoscan/cloud"
)

func randomQuery(rng *rand.Rand, dim int, lo, hi float64) cloud.Point[float64] {
	q := make(cloud.Point[float64], dim)
	for i := range q {
		q[i] = lo + rng.Float64()*(hi-lo)
	}
	return q
}

func TestNearest_MatchesBruteForce(t *testing.T) {
	for _, dim := range []int{2, 3} {
		for _, n := range []int{1, 2, 100, 10000} {
			t.Run(fmt.Sprintf("D%d_n%d", dim, n), func(t *testing.T) {
				ps := cloud.RandomCloud[float64](dim, n, -50, 50, int64(n*dim))
				tree := Build(ps)
				require.Equal(t, n, tree.Len())

				rng := rand.New(rand.NewSource(99))
				for i := 0; i < 200; i++ {
					q := randomQuery(rng, dim, -60, 60)
					got, err := tree.Nearest(q)
					require.NoError(t, err)

					wantIdx, wantDist, err := cloud.NearestNaive(ps, q)
					require.NoError(t, err)
					assert.Equal(t, wantIdx, got.Index, "query %v", q)
					assert.Equal(t, wantDist, got.DistanceSquared, "query %v", q)
				}
			})
		}
	}
}

func TestNearest_Float32(t *testing.T) {
	ps := cloud.RandomCloud[float32](3, 500, 0, 10, 5)
	tree := Build(ps)
	for _, p := range ps.Points()[:50] {
		nn, err := tree.Nearest(p)
		require.NoError(t, err)
		assert.Equal(t, float32(0), nn.DistanceSquared)
	}
}

func TestNearest_TieGoesToLowerIndex(t *testing.T) {
	ps := cloud.MustPointSet(2,
		cloud.Point[float64]{1, 0},
		cloud.Point[float64]{-1, 0},
		cloud.Point[float64]{0, 1},
		cloud.Point[float64]{0, -1},
	)
	tree := Build(ps)
	nn, err := tree.Nearest(cloud.Point[float64]{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0, nn.Index)
	assert.Equal(t, 1.0, nn.Distance())
}

func TestBuild_Depth(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 100, 1000, 4097} {
		ps := cloud.RandomCloud[float64](2, n, 0, 1, int64(n))
		tree := Build(ps)
		assert.Equal(t, bits.Len(uint(n)), tree.Depth(), "n=%d", n)
	}
	assert.Equal(t, 0, Build(cloud.MustPointSet[float64](2)).Depth())
}

func TestSelectNth(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	less := func(a, b int) bool { return a < b }
	for _, size := range []int{1, 2, 3, 10, 257} {
		for trial := 0; trial < 20; trial++ {
			idx := rng.Perm(size)
			n := rng.Intn(size)
			selectNth(idx, n, less)

			require.Equal(t, n, idx[n], "size=%d", size)
			for _, v := range idx[:n] {
				require.Less(t, v, n)
			}
			for _, v := range idx[n+1:] {
				require.Greater(t, v, n)
			}
		}
	}
}

// checkSplits verifies that every node's left subtree lies at or below its
// split coordinate and its right subtree at or above it.
func checkSplits[T cloud.Float](t *testing.T, tree *Tree[T], at int32) (lo, hi []T) {
	t.Helper()
	if at == none {
		return nil, nil
	}
	n := tree.nodes[at]
	lo, hi = n.point.Clone(), n.point.Clone()
	for _, child := range []int32{n.left, n.right} {
		clo, chi := checkSplits(t, tree, child)
		if clo == nil {
			continue
		}
		if child == n.left {
			assert.LessOrEqual(t, chi[n.axis], n.point[n.axis], "left subtree crosses split")
		} else {
			assert.GreaterOrEqual(t, clo[n.axis], n.point[n.axis], "right subtree crosses split")
		}
		for i := range lo {
			lo[i], hi[i] = min(lo[i], clo[i]), max(hi[i], chi[i])
		}
	}
	return lo, hi
}

func TestBuild_SplitInvariant(t *testing.T) {
	sorted := make([]cloud.Point[float64], 0, 500)
	for i := 0; i < 500; i++ {
		sorted = append(sorted, cloud.Point[float64]{float64(i), float64(i % 7)})
	}
	reversed := slices.Clone(sorted)
	slices.Reverse(reversed)

	tests := map[string]*cloud.PointSet[float64]{
		"random":   cloud.RandomCloud[float64](3, 1000, -5, 5, 11),
		"sorted":   cloud.MustPointSet(2, sorted...),
		"reversed": cloud.MustPointSet(2, reversed...),
	}
	for name, ps := range tests {
		t.Run(name, func(t *testing.T) {
			tree := Build(ps)
			checkSplits(t, tree, tree.root)
			assert.Equal(t, bits.Len(uint(ps.Len())), tree.Depth())
		})
	}
}

func TestBuild_SkipsDuplicates(t *testing.T) {
	ps := cloud.MustPointSet(2,
		cloud.Point[float64]{0, 0},
		cloud.Point[float64]{1, 1},
		cloud.Point[float64]{0, 0},
		cloud.Point[float64]{1e-12, 0},
		cloud.Point[float64]{1, 1},
	)
	tree := Build(ps)
	assert.Equal(t, 2, tree.Len())

	indices := []int{}
	tree.Walk(func(n Neighbor[float64]) bool {
		indices = append(indices, n.Index)
		return true
	})
	slices.Sort(indices)
	assert.Equal(t, []int{0, 1}, indices, "first occurrence in set order is kept")
}

func TestBuild_ToleranceOption(t *testing.T) {
	ps := cloud.MustPointSet(1,
		cloud.Point[float64]{0},
		cloud.Point[float64]{0.05},
		cloud.Point[float64]{0.2},
	)
	assert.Equal(t, 3, Build(ps).Len())
	assert.Equal(t, 2, Build(ps, WithTolerance(0.1)).Len())
	assert.Equal(t, 3, Build(ps, WithTolerance(-1)).Len())
	assert.Equal(t, 0.1, Build(ps, WithTolerance(0.1)).Tolerance())
}

func TestBuild_NoTwoPointsWithinTolerance(t *testing.T) {
	const eps = 0.5
	ps := cloud.RandomCloud[float64](2, 2000, 0, 20, 17)
	tree := Build(ps, WithTolerance(eps))
	pts := tree.Points()
	require.Equal(t, tree.Len(), len(pts))
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			if pts[i].DistanceSquared(pts[j]) <= eps*eps {
				t.Fatalf("points %v and %v are within tolerance", pts[i], pts[j])
			}
		}
	}
}

func TestInsert(t *testing.T) {
	ps := cloud.MustPointSet(2, cloud.Point[float64]{0, 0}, cloud.Point[float64]{5, 5})
	tree := Build(ps)

	ok, err := tree.Insert(cloud.Point[float64]{5, 5})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate must be ignored")
	assert.Equal(t, 2, tree.Len())

	ok, err = tree.Insert(cloud.Point[float64]{2, 2})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, tree.Len())

	nn, err := tree.Nearest(cloud.Point[float64]{2.1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, nn.Index)

	_, err = tree.Insert(cloud.Point[float64]{1, 2, 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestInsert_IntoEmptyAndSortedRun(t *testing.T) {
	tree := Build(cloud.MustPointSet[float64](2))
	pts := []cloud.Point[float64]{}
	for i := 0; i < 300; i++ {
		p := cloud.Point[float64]{float64(i), float64(i % 7)}
		ok, err := tree.Insert(p)
		require.NoError(t, err)
		require.True(t, ok)
		pts = append(pts, p)
	}
	ref := cloud.MustPointSet(2, pts...)
	assert.Equal(t, 300, tree.Len())

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		q := randomQuery(rng, 2, -10, 310)
		got, err := tree.Nearest(q)
		require.NoError(t, err)
		wantIdx, wantDist, _ := cloud.NearestNaive(ref, q)
		assert.Equal(t, wantIdx, got.Index)
		assert.Equal(t, wantDist, got.DistanceSquared)
	}
}

func TestQueryErrors(t *testing.T) {
	empty := Build(cloud.MustPointSet[float64](3))
	_, err := empty.Nearest(cloud.Point[float64]{0, 0, 0})
	assert.ErrorIs(t, err, ErrEmptyIndex)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = empty.KNearest(cloud.Point[float64]{0, 0, 0}, 3)
	assert.ErrorIs(t, err, ErrEmptyIndex)

	tree := Build(cloud.MustPointSet(3, cloud.Point[float64]{1, 2, 3}))
	_, err = tree.Nearest(cloud.Point[float64]{0, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNearest_Concurrent(t *testing.T) {
	ps := cloud.RandomCloud[float64](3, 2000, -1, 1, 11)
	tree := Build(ps)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				q := randomQuery(rng, 3, -1, 1)
				got, err := tree.Nearest(q)
				if err != nil {
					t.Error(err)
					return
				}
				wantIdx, _, _ := cloud.NearestNaive(ps, q)
				if got.Index != wantIdx {
					t.Errorf("Nearest(%v) = %d, want %d", q, got.Index, wantIdx)
				}
			}
		}(int64(g))
	}
	wg.Wait()
}

func BenchmarkNearest(b *testing.B) {
	ps := cloud.RandomCloud[float64](3, 100000, -100, 100, 1)
	tree := Build(ps)
	rng := rand.New(rand.NewSource(2))
	qs := make([]cloud.Point[float64], 1024)
	for i := range qs {
		qs[i] = randomQuery(rng, 3, -100, 100)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tree.Nearest(qs[i%len(qs)])
	}
}
