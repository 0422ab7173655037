package kdtree

import "errors"

var (
	// ErrEmptyIndex is returned when querying a tree with no points.
	ErrEmptyIndex = errors.New("kdtree: index is empty")

	// ErrNotFound is the same condition seen from the caller's side: a
	// query could not produce a neighbour. It only happens on an empty index.
	ErrNotFound = ErrEmptyIndex

	// ErrDimensionMismatch is returned when a query or inserted point does not
	// match the tree's dimension.
	ErrDimensionMismatch = errors.New("kdtree: dimension mismatch")

	// ErrInvalidK is returned by KNearest for k < 1.
	ErrInvalidK = errors.New("kdtree: k must be positive")
)
