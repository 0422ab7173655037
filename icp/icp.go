// Package icp aligns a source point set onto a target with Iterative Closest
// Point: match every source point to its nearest target point, solve the
// rigid transform for those pairs with Kabsch, apply it, repeat until the
// mean squared error stops improving.
//
// Align is a pure function. It keeps no package state and starts no
// goroutines, so concurrent calls on different inputs are safe.
package icp

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/kwv/tudoscan/cloud"
)

// State is the driver's lifecycle position.
type State int

const (
	StateInitialized State = iota
	StateIterating
	StateConverged
	StateMaxIterationsReached
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateMaxIterationsReached:
		return "max_iterations_reached"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateInitialized; c <= StateFailed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("icp: unknown state %q", text)
}

// IterationStats records one completed iteration.
type IterationStats struct {
	Iteration       int     `json:"iteration"`
	Correspondences int     `json:"correspondences"`
	MeanError       float64 `json:"meanError"`
}

// Result is what Align returns. On failure it still carries the transform
// reached so far and the history up to the failing iteration.
type Result[T cloud.Float] struct {
	Transform  cloud.RigidTransform[T]
	MeanError  T
	Iterations int
	Converged  bool
	State      State
	History    []IterationStats
}

// Align registers source onto target starting from initial (identity when
// nil). The target is indexed once, with the backend cfg selects.
//
// Reaching MaxIterations is not an error: the result has Converged false and
// State StateMaxIterationsReached.
func Align[T cloud.Float](source, target *cloud.PointSet[T], initial *cloud.RigidTransform[T], cfg Config) (Result[T], error) {
	if err := cfg.Validate(); err != nil {
		return Result[T]{State: StateFailed}, err
	}
	if source.Len() == 0 {
		return Result[T]{State: StateFailed}, ErrEmptySource
	}
	if target.Len() == 0 {
		return Result[T]{State: StateFailed}, ErrEmptyTarget
	}
	if source.Dim() != target.Dim() {
		return Result[T]{State: StateFailed}, fmt.Errorf("%w: source is %dD, target is %dD", ErrDimensionMismatch, source.Dim(), target.Dim())
	}
	return AlignIndex(source, NewIndex(target, cfg), initial, cfg)
}

// AlignIndex is Align against a prebuilt index, so one target index can
// serve many sources.
func AlignIndex[T cloud.Float](source *cloud.PointSet[T], index Index[T], initial *cloud.RigidTransform[T], cfg Config) (Result[T], error) {
	res := Result[T]{State: StateInitialized}
	if err := cfg.Validate(); err != nil {
		res.State = StateFailed
		return res, err
	}
	if source.Len() == 0 {
		res.State = StateFailed
		return res, ErrEmptySource
	}
	dim := source.Dim()
	if index.Dim() != dim {
		res.State = StateFailed
		return res, fmt.Errorf("%w: source is %dD, index is %dD", ErrDimensionMismatch, dim, index.Dim())
	}

	current := cloud.Identity[T](dim)
	if initial != nil {
		if initial.Dim() != dim {
			res.State = StateFailed
			return res, fmt.Errorf("%w: initial transform is %dD, source is %dD", ErrDimensionMismatch, initial.Dim(), dim)
		}
		current = *initial
	}
	res.Transform = current

	maxDist2 := math.Inf(1)
	if cfg.MaxCorrespondenceDistance != nil {
		maxDist2 = *cfg.MaxCorrespondenceDistance * *cfg.MaxCorrespondenceDistance
	}
	floor := errorFloor[T](cfg, coordinateScale(source))
	prev := math.Inf(1)

	res.State = StateIterating
	for {
		moved := current.ApplyAll(source)
		matches, err := correspond(moved, index, maxDist2, cfg.TrimFraction)
		if err != nil {
			res.State = StateFailed
			return res, err
		}
		if len(matches) == 0 {
			res.State = StateFailed
			return res, fmt.Errorf("iteration %d: %w", res.Iterations+1, ErrNoCorrespondences)
		}

		pairs := pairsOf(matches)
		step, err := Estimate(pairs)
		if err != nil {
			res.State = StateFailed
			return res, fmt.Errorf("iteration %d: %w", res.Iterations+1, err)
		}
		current = current.Compose(step)

		mean := meanError(pairs, step)
		res.Iterations++
		res.Transform = current
		res.MeanError = T(mean)
		res.History = append(res.History, IterationStats{
			Iteration:       res.Iterations,
			Correspondences: len(pairs),
			MeanError:       mean,
		})
		cfg.logf("[ICP] iteration %d: %d correspondences, mean error %.6g", res.Iterations, len(pairs), mean)

		if math.Abs(prev-mean) < cfg.ConvergenceThreshold || mean < floor || mean == 0 {
			res.Converged = true
			res.State = StateConverged
			return res, nil
		}
		if res.Iterations >= cfg.MaxIterations {
			res.State = StateMaxIterationsReached
			return res, nil
		}
		prev = mean
	}
}

// correspondence matches source point Source with index point Target.
type correspondence[T cloud.Float] struct {
	Source, Target  int
	DistanceSquared float64
	pair            Pair[T]
}

// correspond pairs every moved source point with its nearest target, drops
// pairs beyond maxDist2, then drops the worst trim fraction. The result is in
// source order.
func correspond[T cloud.Float](moved *cloud.PointSet[T], index Index[T], maxDist2, trim float64) ([]correspondence[T], error) {
	matches := make([]correspondence[T], 0, moved.Len())
	for i, p := range moved.Points() {
		nn, err := index.Nearest(p)
		if err != nil {
			return nil, fmt.Errorf("nearest neighbour: %w", err)
		}
		d2 := float64(nn.DistanceSquared)
		if d2 > maxDist2 {
			continue
		}
		matches = append(matches, correspondence[T]{
			Source:          i,
			Target:          nn.Index,
			DistanceSquared: d2,
			pair:            Pair[T]{Source: p, Target: nn.Point},
		})
	}

	if trim > 0 && len(matches) > 1 {
		keep := int(math.Ceil(float64(len(matches)) * (1 - trim)))
		keep = max(keep, 1)
		slices.SortFunc(matches, func(a, b correspondence[T]) int {
			if c := cmp.Compare(a.DistanceSquared, b.DistanceSquared); c != 0 {
				return c
			}
			return cmp.Compare(a.Source, b.Source)
		})
		matches = matches[:keep]
		slices.SortFunc(matches, func(a, b correspondence[T]) int {
			return cmp.Compare(a.Source, b.Source)
		})
	}
	return matches, nil
}

func pairsOf[T cloud.Float](matches []correspondence[T]) []Pair[T] {
	pairs := make([]Pair[T], len(matches))
	for i, m := range matches {
		pairs[i] = m.pair
	}
	return pairs
}

// meanError is the mean of ‖step(sᵢ) − tᵢ‖² over the pairs, i.e. the error of
// the updated transform on this iteration's correspondences.
func meanError[T cloud.Float](pairs []Pair[T], step cloud.RigidTransform[T]) float64 {
	var sum float64
	for _, p := range pairs {
		sum += float64(step.Apply(p.Source).DistanceSquared(p.Target))
	}
	return sum / float64(len(pairs))
}

// IsDegenerate reports whether err means the correspondences could not fix a
// transform, as opposed to bad input or configuration.
func IsDegenerate(err error) bool {
	return errors.Is(err, ErrDegenerateCorrespondences) || errors.Is(err, ErrNoCorrespondences)
}
