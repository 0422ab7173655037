package icp

import (
	"errors"
	"fmt"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/kdtree"
)

// Index is the nearest-neighbour contract the driver needs. *kdtree.Tree
// satisfies it, as does BruteForce.
type Index[T cloud.Float] interface {
	Nearest(q cloud.Point[T]) (kdtree.Neighbor[T], error)
	Dim() int
}

var (
	_ Index[float64] = (*kdtree.Tree[float64])(nil)
	_ Index[float64] = (*BruteForce[float64])(nil)
)

// BruteForce answers Nearest by scanning every point. It is the reference
// backend for small clouds and for checking the tree.
type BruteForce[T cloud.Float] struct {
	ps *cloud.PointSet[T]
}

// NewBruteForce wraps ps without copying it.
func NewBruteForce[T cloud.Float](ps *cloud.PointSet[T]) *BruteForce[T] {
	return &BruteForce[T]{ps: ps}
}

// Dim returns the dimension of the wrapped set.
func (b *BruteForce[T]) Dim() int {
	return b.ps.Dim()
}

// Nearest scans for the closest point, ties going to the lowest index.
func (b *BruteForce[T]) Nearest(q cloud.Point[T]) (kdtree.Neighbor[T], error) {
	idx, d2, err := cloud.NearestNaive(b.ps, q)
	switch {
	case errors.Is(err, cloud.ErrEmptyCloud):
		return kdtree.Neighbor[T]{}, kdtree.ErrEmptyIndex
	case errors.Is(err, cloud.ErrDimensionMismatch):
		return kdtree.Neighbor[T]{}, fmt.Errorf("%w: %v", kdtree.ErrDimensionMismatch, err)
	case err != nil:
		return kdtree.Neighbor[T]{}, err
	}
	return kdtree.Neighbor[T]{Index: idx, Point: b.ps.At(idx), DistanceSquared: d2}, nil
}

// NewIndex builds the backend cfg asks for over target.
func NewIndex[T cloud.Float](target *cloud.PointSet[T], cfg Config) Index[T] {
	if cfg.UseKDTree {
		return kdtree.Build(target, kdtree.WithTolerance(cfg.DuplicateTolerance))
	}
	return NewBruteForce(target)
}
