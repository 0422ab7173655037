package icp

import (
	"fmt"
	"math"

	"github.com/kwv/tudoscan/cloud"
	"github.com/kwv/tudoscan/kdtree"
)

// Config controls the ICP driver. Distances are in the units of the input
// clouds; error thresholds are in squared units since mean error is a mean
// squared distance.
type Config struct {
	MaxIterations        int     `yaml:"maxIterations" json:"maxIterations"`
	ConvergenceThreshold float64 `yaml:"convergenceThreshold" json:"convergenceThreshold"`

	// MaxCorrespondenceDistance drops pairs farther apart than this. Nil keeps all.
	MaxCorrespondenceDistance *float64 `yaml:"maxCorrespondenceDistance,omitempty" json:"maxCorrespondenceDistance,omitempty"`

	// TrimFraction drops the worst fraction of pairs (after the distance cut)
	// each iteration. Zero disables trimming.
	TrimFraction float64 `yaml:"trimFraction,omitempty" json:"trimFraction,omitempty"`

	// AbsoluteErrorThreshold declares convergence once mean error falls below
	// it. Nil leaves only a rounding-noise floor, see errorFloor.
	AbsoluteErrorThreshold *float64 `yaml:"absoluteErrorThreshold,omitempty" json:"absoluteErrorThreshold,omitempty"`

	DuplicateTolerance float64 `yaml:"duplicateTolerance" json:"duplicateTolerance"`
	UseKDTree          bool    `yaml:"useKdTree" json:"useKdTree"`

	// Logger receives one line per iteration when set, e.g. log.Printf.
	Logger func(format string, args ...any) `yaml:"-" json:"-"`
}

// DefaultConfig returns the defaults: 50 iterations, 1e-6 threshold, no
// correspondence rejection, KD-tree search.
func DefaultConfig() Config {
	return Config{
		MaxIterations:        50,
		ConvergenceThreshold: 1e-6,
		DuplicateTolerance:   kdtree.DefaultTolerance,
		UseKDTree:            true,
	}
}

// Float64 returns a pointer to v, for the optional Config fields.
func Float64(v float64) *float64 {
	return &v
}

// Validate checks every field and names the first offending one.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}
	if c.MaxIterations <= 0 {
		return bad("maxIterations must be positive, got %d", c.MaxIterations)
	}
	if !finite(c.ConvergenceThreshold) || c.ConvergenceThreshold <= 0 {
		return bad("convergenceThreshold must be positive, got %v", c.ConvergenceThreshold)
	}
	if d := c.MaxCorrespondenceDistance; d != nil && (!finite(*d) || *d <= 0) {
		return bad("maxCorrespondenceDistance must be positive, got %v", *d)
	}
	if !finite(c.TrimFraction) || c.TrimFraction < 0 || c.TrimFraction >= 1 {
		return bad("trimFraction must be in [0, 1), got %v", c.TrimFraction)
	}
	if a := c.AbsoluteErrorThreshold; a != nil && (!finite(*a) || *a < 0) {
		return bad("absoluteErrorThreshold must not be negative, got %v", *a)
	}
	if !finite(c.DuplicateTolerance) || c.DuplicateTolerance < 0 {
		return bad("duplicateTolerance must not be negative, got %v", c.DuplicateTolerance)
	}
	return nil
}

// errorFloor is the mean error below which an iteration counts as converged.
// Without AbsoluteErrorThreshold it is (1024·ε·scale)², ε being the machine
// epsilon of T and scale the largest coordinate magnitude: residuals that
// small are rounding noise, so no later iteration can improve on them.
func errorFloor[T cloud.Float](c Config, scale float64) float64 {
	if c.AbsoluteErrorThreshold != nil {
		return *c.AbsoluteErrorThreshold
	}
	noise := 1024 * epsilon[T]() * scale
	return noise * noise
}

func epsilon[T cloud.Float]() float64 {
	if float64(T(1+1e-10)) == 1 {
		return 0x1p-23
	}
	return 0x1p-52
}

// coordinateScale is the norm of the per-axis largest |coordinate| of ps.
func coordinateScale[T cloud.Float](ps *cloud.PointSet[T]) float64 {
	lo, hi, err := ps.Bounds()
	if err != nil {
		return 0
	}
	var sum float64
	for i := range lo {
		m := math.Max(math.Abs(float64(lo[i])), math.Abs(float64(hi[i])))
		sum += m * m
	}
	return math.Sqrt(sum)
}

func (c Config) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger(format, args...)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
