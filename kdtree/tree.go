// Package kdtree is an arena-backed k-d tree over cloud points, answering
// exact nearest and k-nearest neighbour queries in any fixed dimension.
//
// The splitting axis cycles with depth (axis = depth mod D). Points within the
// duplicate tolerance of an indexed point are never added twice. Inserts do
// not rebalance, so a long run of sorted inserts degrades query time; rebuild
// with Build when that matters.
//
// A built tree is read-only for queries and safe for concurrent Nearest and
// KNearest calls. Insert must not run concurrently with anything else.
package kdtree

import (
	"cmp"
	"fmt"
	"math"

	"github.com/kwv/tudoscan/cloud"
)

// DefaultTolerance is the duplicate tolerance used when none is given.
const DefaultTolerance = 1e-9

const none int32 = -1

type node[T cloud.Float] struct {
	point cloud.Point[T]
	index int
	axis  int
	left  int32
	right int32
}

// Tree is a k-d tree whose nodes live in one slice and link by position.
type Tree[T cloud.Float] struct {
	dim       int
	tolerance T
	nodes     []node[T]
	root      int32
	nextIndex int
}

// Neighbor is a query answer: the point, its index and the squared distance
// to the query. Index is the position in the point set the tree was built
// from; inserted points continue the numbering.
type Neighbor[T cloud.Float] struct {
	Index           int
	Point           cloud.Point[T]
	DistanceSquared T
}

// Distance returns the Euclidean distance.
func (n Neighbor[T]) Distance() T {
	return T(math.Sqrt(float64(n.DistanceSquared)))
}

// less orders neighbours by distance, then index.
func (n Neighbor[T]) less(o Neighbor[T]) bool {
	if n.DistanceSquared != o.DistanceSquared {
		return n.DistanceSquared < o.DistanceSquared
	}
	return n.Index < o.Index
}

// Option configures Build.
type Option func(*options)

type options struct {
	tolerance float64
}

// WithTolerance sets the duplicate tolerance ε: a point within ε of an
// indexed point is not stored. Negative values are treated as zero.
func WithTolerance(eps float64) Option {
	return func(o *options) {
		if eps < 0 {
			eps = 0
		}
		o.tolerance = eps
	}
}

// Build indexes every point of ps. Points within the tolerance of an earlier
// point (in set order) are skipped. An empty set yields an empty tree.
func Build[T cloud.Float](ps *cloud.PointSet[T], opts ...Option) *Tree[T] {
	o := options{tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Tree[T]{
		dim:       ps.Dim(),
		tolerance: T(o.tolerance),
		root:      none,
		nextIndex: ps.Len(),
	}
	if ps.Len() == 0 {
		return t
	}

	all := make([]int, ps.Len())
	for i := range all {
		all[i] = i
	}
	t.nodes = make([]node[T], 0, len(all))
	t.root = t.build(ps.Points(), all, 0)

	kept := t.dedupe()
	if len(kept) == len(all) {
		return t
	}
	t.nodes = make([]node[T], 0, len(kept))
	t.root = t.build(ps.Points(), kept, 0)
	return t
}

// build places the median of idx (by the depth's axis) at a new node and
// recurses on both halves. Ties on the split coordinate may fall on either
// side; searches account for that.
func (t *Tree[T]) build(pts []cloud.Point[T], idx []int, depth int) int32 {
	if len(idx) == 0 {
		return none
	}
	axis := depth % t.dim
	m := len(idx) / 2
	selectNth(idx, m, func(a, b int) bool {
		if c := cmp.Compare(pts[a][axis], pts[b][axis]); c != 0 {
			return c < 0
		}
		return a < b
	})
	at := int32(len(t.nodes))
	t.nodes = append(t.nodes, node[T]{point: pts[idx[m]], index: idx[m], axis: axis, left: none, right: none})

	left := t.build(pts, idx[:m], depth+1)
	right := t.build(pts, idx[m+1:], depth+1)
	t.nodes[at].left = left
	t.nodes[at].right = right
	return at
}

// selectNth reorders idx so that idx[n] holds the element of rank n under
// less, everything before it is smaller and everything after it larger.
// less must be a strict total order. Quickselect with a median-of-three
// pivot, expected linear time.
func selectNth(idx []int, n int, less func(a, b int) bool) {
	lo, hi := 0, len(idx)-1
	for lo < hi {
		mid := lo + (hi-lo)/2
		if less(idx[mid], idx[lo]) {
			idx[mid], idx[lo] = idx[lo], idx[mid]
		}
		if less(idx[hi], idx[lo]) {
			idx[hi], idx[lo] = idx[lo], idx[hi]
		}
		if less(idx[mid], idx[hi]) {
			idx[mid], idx[hi] = idx[hi], idx[mid]
		}
		pivot := idx[hi]
		store := lo
		for i := lo; i < hi; i++ {
			if less(idx[i], pivot) {
				idx[i], idx[store] = idx[store], idx[i]
				store++
			}
		}
		idx[store], idx[hi] = idx[hi], idx[store]

		switch {
		case n == store:
			return
		case n < store:
			hi = store - 1
		default:
			lo = store + 1
		}
	}
}

// dedupe walks points in index order and returns the indices that are not
// within tolerance of an already kept point.
func (t *Tree[T]) dedupe() []int {
	byIndex := make([]int32, len(t.nodes))
	for i, n := range t.nodes {
		byIndex[n.index] = int32(i)
	}
	keep := make([]bool, len(t.nodes))
	out := make([]int, 0, len(t.nodes))
	for idx, at := range byIndex {
		if t.anyWithin(t.root, t.nodes[at].point, keep) {
			continue
		}
		keep[at] = true
		out = append(out, idx)
	}
	return out
}

// anyWithin reports whether a node marked in keep lies within tolerance of q.
func (t *Tree[T]) anyWithin(at int32, q cloud.Point[T], keep []bool) bool {
	if at == none {
		return false
	}
	n := &t.nodes[at]
	eps2 := t.tolerance * t.tolerance
	if keep[at] && n.point.DistanceSquared(q) <= eps2 {
		return true
	}
	diff := q[n.axis] - n.point[n.axis]
	if diff <= t.tolerance && t.anyWithin(n.left, q, keep) {
		return true
	}
	return diff >= -t.tolerance && t.anyWithin(n.right, q, keep)
}

// Len returns the number of stored points.
func (t *Tree[T]) Len() int {
	return len(t.nodes)
}

// Dim returns the dimension of the indexed points.
func (t *Tree[T]) Dim() int {
	return t.dim
}

// Tolerance returns the duplicate tolerance.
func (t *Tree[T]) Tolerance() T {
	return t.tolerance
}

// Depth returns the number of levels on the longest root-to-leaf path.
func (t *Tree[T]) Depth() int {
	return t.depth(t.root)
}

func (t *Tree[T]) depth(at int32) int {
	if at == none {
		return 0
	}
	return 1 + max(t.depth(t.nodes[at].left), t.depth(t.nodes[at].right))
}

// Insert adds p unless a stored point lies within the tolerance, in which case
// it reports false. The tree is not rebalanced.
func (t *Tree[T]) Insert(p cloud.Point[T]) (bool, error) {
	if len(p) != t.dim {
		return false, fmt.Errorf("%w: point has %d coordinates, want %d", ErrDimensionMismatch, len(p), t.dim)
	}
	if len(t.nodes) > 0 {
		nn, err := t.Nearest(p)
		if err != nil {
			return false, err
		}
		if nn.DistanceSquared <= t.tolerance*t.tolerance {
			return false, nil
		}
	}

	at := int32(len(t.nodes))
	n := node[T]{point: p.Clone(), index: t.nextIndex, left: none, right: none}
	t.nextIndex++

	if t.root == none {
		t.nodes = append(t.nodes, n)
		t.root = at
		return true, nil
	}

	cur := t.root
	depth := 0
	for {
		parent := &t.nodes[cur]
		depth++
		if p[parent.axis] < parent.point[parent.axis] {
			if parent.left == none {
				parent.left = at
				break
			}
			cur = parent.left
		} else {
			if parent.right == none {
				parent.right = at
				break
			}
			cur = parent.right
		}
	}
	n.axis = depth % t.dim
	t.nodes = append(t.nodes, n)
	return true, nil
}

// Nearest returns the stored point closest to q. When several points are at
// the same distance the one with the lowest index wins.
func (t *Tree[T]) Nearest(q cloud.Point[T]) (Neighbor[T], error) {
	if err := t.checkQuery(q); err != nil {
		return Neighbor[T]{}, err
	}
	best := Neighbor[T]{Index: -1}
	t.nearest(t.root, q, &best)
	return best, nil
}

func (t *Tree[T]) nearest(at int32, q cloud.Point[T], best *Neighbor[T]) {
	if at == none {
		return
	}
	n := &t.nodes[at]
	cand := Neighbor[T]{Index: n.index, Point: n.point, DistanceSquared: n.point.DistanceSquared(q)}
	if best.Index < 0 || cand.less(*best) {
		*best = cand
	}

	diff := q[n.axis] - n.point[n.axis]
	near, far := n.left, n.right
	if diff > 0 {
		near, far = far, near
	}
	t.nearest(near, q, best)
	// Equal bound still visits the far side so a tie with a lower index is found.
	if diff*diff <= best.DistanceSquared {
		t.nearest(far, q, best)
	}
}

func (t *Tree[T]) checkQuery(q cloud.Point[T]) error {
	if len(t.nodes) == 0 {
		return ErrEmptyIndex
	}
	if len(q) != t.dim {
		return fmt.Errorf("%w: query has %d coordinates, want %d", ErrDimensionMismatch, len(q), t.dim)
	}
	return nil
}

// Walk visits stored points in tree order until fn returns false.
// DistanceSquared is zero in the visited values.
func (t *Tree[T]) Walk(fn func(Neighbor[T]) bool) {
	stack := make([]int32, 0, 32)
	cur := t.root
	for cur != none || len(stack) > 0 {
		for cur != none {
			stack = append(stack, cur)
			cur = t.nodes[cur].left
		}
		cur = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[cur]
		if !fn(Neighbor[T]{Index: n.index, Point: n.point}) {
			return
		}
		cur = n.right
	}
}

// Points returns the stored points in tree order.
func (t *Tree[T]) Points() []cloud.Point[T] {
	out := make([]cloud.Point[T], 0, len(t.nodes))
	t.Walk(func(n Neighbor[T]) bool {
		out = append(out, n.Point)
		return true
	})
	return out
}
