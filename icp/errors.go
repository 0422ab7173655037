package icp

import "errors"

var (
	// ErrDegenerateCorrespondences is returned when the pairs do not pin down a
	// unique rotation: too few pairs, coincident points, collinear points in
	// 3D, or a failed factorization.
	ErrDegenerateCorrespondences = errors.New("icp: degenerate correspondences")

	// ErrNoCorrespondences is returned when rejection leaves no pairs.
	ErrNoCorrespondences = errors.New("icp: no correspondences within threshold")

	// ErrInvalidConfiguration is returned by Config.Validate.
	ErrInvalidConfiguration = errors.New("icp: invalid configuration")

	ErrEmptySource       = errors.New("icp: source point set is empty")
	ErrEmptyTarget       = errors.New("icp: target point set is empty")
	ErrDimensionMismatch = errors.New("icp: dimension mismatch")
)
