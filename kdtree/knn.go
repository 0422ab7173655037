package kdtree

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/kwv/tudoscan/cloud"
)

// worstFirst is a max-heap of neighbours: the root is the farthest kept
// candidate (ties broken toward the higher index).
type worstFirst[T cloud.Float] []Neighbor[T]

func (h worstFirst[T]) Len() int           { return len(h) }
func (h worstFirst[T]) Less(i, j int) bool { return h[j].less(h[i]) }
func (h worstFirst[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *worstFirst[T]) Push(x any) { *h = append(*h, x.(Neighbor[T])) }

func (h *worstFirst[T]) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// KNearest returns up to k stored points closest to q, nearest first, ties
// by index. Fewer than k results come back only when the tree holds fewer
// than k points.
func (t *Tree[T]) KNearest(q cloud.Point[T], k int) ([]Neighbor[T], error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	if err := t.checkQuery(q); err != nil {
		return nil, err
	}
	h := make(worstFirst[T], 0, min(k, len(t.nodes)))
	t.kNearest(t.root, q, k, &h)

	out := []Neighbor[T](h)
	slices.SortFunc(out, func(a, b Neighbor[T]) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	return out, nil
}

func (t *Tree[T]) kNearest(at int32, q cloud.Point[T], k int, h *worstFirst[T]) {
	if at == none {
		return
	}
	n := &t.nodes[at]
	cand := Neighbor[T]{Index: n.index, Point: n.point, DistanceSquared: n.point.DistanceSquared(q)}
	if h.Len() < k {
		heap.Push(h, cand)
	} else if cand.less((*h)[0]) {
		(*h)[0] = cand
		heap.Fix(h, 0)
	}

	diff := q[n.axis] - n.point[n.axis]
	near, far := n.left, n.right
	if diff > 0 {
		near, far = far, near
	}
	t.kNearest(near, q, k, h)
	if h.Len() < k || diff*diff <= (*h)[0].DistanceSquared {
		t.kNearest(far, q, k, h)
	}
}
