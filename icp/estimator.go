package icp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kwv/tudoscan/cloud"
)

const (
	// rankTolerance is the smallest ratio σ[D-2]/σ[0] accepted as full enough
	// rank to fix a rotation.
	rankTolerance = 1e-9

	// spreadTolerance scales the largest squared coordinate to decide when the
	// cross-covariance is numerically zero.
	spreadTolerance = 1e-12
)

// Pair is one source/target correspondence.
type Pair[T cloud.Float] struct {
	Source cloud.Point[T]
	Target cloud.Point[T]
}

// Estimate returns the proper rigid transform minimising Σ‖R·sᵢ + t − tᵢ‖²
// (Kabsch). It never substitutes identity: input that does not determine a
// unique rotation yields ErrDegenerateCorrespondences.
func Estimate[T cloud.Float](pairs []Pair[T]) (cloud.RigidTransform[T], error) {
	return kabsch(pairs, nil)
}

// EstimateWeighted is Estimate with a non-negative weight per pair.
func EstimateWeighted[T cloud.Float](pairs []Pair[T], weights []float64) (cloud.RigidTransform[T], error) {
	if len(weights) != len(pairs) {
		return cloud.RigidTransform[T]{}, fmt.Errorf("%w: %d weights for %d pairs", ErrDimensionMismatch, len(weights), len(pairs))
	}
	return kabsch(pairs, weights)
}

func kabsch[T cloud.Float](pairs []Pair[T], weights []float64) (cloud.RigidTransform[T], error) {
	var zero cloud.RigidTransform[T]
	if len(pairs) == 0 {
		return zero, fmt.Errorf("%w: no pairs", ErrDegenerateCorrespondences)
	}
	dim := len(pairs[0].Source)
	if dim == 0 {
		return zero, fmt.Errorf("%w: zero-dimensional points", ErrDimensionMismatch)
	}
	if len(pairs) < dim {
		return zero, fmt.Errorf("%w: %d pairs in %d dimensions", ErrDegenerateCorrespondences, len(pairs), dim)
	}

	weight := func(i int) float64 { return 1 }
	if weights != nil {
		weight = func(i int) float64 { return weights[i] }
	}

	cs := make([]float64, dim)
	ct := make([]float64, dim)
	var total, scale float64
	for i, p := range pairs {
		if len(p.Source) != dim || len(p.Target) != dim {
			return zero, fmt.Errorf("%w: pair %d", ErrDimensionMismatch, i)
		}
		w := weight(i)
		if w < 0 || math.IsNaN(w) {
			return zero, fmt.Errorf("%w: weight %d is %v", ErrDegenerateCorrespondences, i, w)
		}
		total += w
		for k := 0; k < dim; k++ {
			s, t := float64(p.Source[k]), float64(p.Target[k])
			cs[k] += w * s
			ct[k] += w * t
			scale = math.Max(scale, math.Max(s*s, t*t))
		}
	}
	if !(total > 0) {
		return zero, fmt.Errorf("%w: total weight %v", ErrDegenerateCorrespondences, total)
	}
	for k := 0; k < dim; k++ {
		cs[k] /= total
		ct[k] /= total
	}

	// H = Σ wᵢ (sᵢ − c_s)(tᵢ − c_t)ᵀ
	h := mat.NewDense(dim, dim, nil)
	s := make([]float64, dim)
	t := make([]float64, dim)
	for i, p := range pairs {
		w := weight(i)
		for k := 0; k < dim; k++ {
			s[k] = float64(p.Source[k]) - cs[k]
			t[k] = float64(p.Target[k]) - ct[k]
		}
		for r := 0; r < dim; r++ {
			for c := 0; c < dim; c++ {
				h.Set(r, c, h.At(r, c)+w*s[r]*t[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return zero, fmt.Errorf("%w: SVD did not converge", ErrDegenerateCorrespondences)
	}
	sigma := svd.Values(nil)
	if sigma[0] <= spreadTolerance*scale*total {
		return zero, fmt.Errorf("%w: points coincide", ErrDegenerateCorrespondences)
	}
	if dim > 1 && sigma[dim-2] <= rankTolerance*sigma[0] {
		return zero, fmt.Errorf("%w: cross-covariance rank below %d", ErrDegenerateCorrespondences, dim-1)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V·D·Uᵀ with D = diag(1, …, 1, sign(det(V·Uᵀ))) so R is never a reflection.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	if mat.Det(&vut) < 0 {
		col := mat.NewVecDense(dim, nil)
		col.ScaleVec(-1, v.ColView(dim-1))
		v.SetCol(dim-1, col.RawVector().Data)
	}
	var r mat.Dense
	r.Mul(&v, u.T())

	rot := make([]T, dim*dim)
	trans := make([]T, dim)
	for i := 0; i < dim; i++ {
		tr := ct[i]
		for j := 0; j < dim; j++ {
			rot[i*dim+j] = T(r.At(i, j))
			tr -= r.At(i, j) * cs[j]
		}
		trans[i] = T(tr)
	}
	return cloud.FromMatrix(dim, rot, trans), nil
}
