package cloud

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// rotationTolerance bounds the orthonormality and determinant checks made on
// rotation matrices supplied by callers.
const rotationTolerance = 1e-6

// RigidTransform is a proper rotation (det = +1) followed by a translation:
// p' = R·p + t. The zero value is not usable; start from Identity.
type RigidTransform[T Float] struct {
	dim   int
	rot   []T // row-major dim×dim
	trans []T
}

// Identity returns the identity transform in dim dimensions.
func Identity[T Float](dim int) RigidTransform[T] {
	rot := make([]T, dim*dim)
	for i := 0; i < dim; i++ {
		rot[i*dim+i] = 1
	}
	return RigidTransform[T]{dim: dim, rot: rot, trans: make([]T, dim)}
}

// NewRigidTransform builds a transform from a rotation matrix (rows) and a
// translation. The rotation must be orthonormal with determinant +1.
func NewRigidTransform[T Float](rot [][]T, trans []T) (RigidTransform[T], error) {
	dim := len(trans)
	if dim == 0 || len(rot) != dim {
		return RigidTransform[T]{}, fmt.Errorf("%w: rotation has %d rows for %d-D translation", ErrDimensionMismatch, len(rot), dim)
	}
	flat := make([]T, 0, dim*dim)
	for i, row := range rot {
		if len(row) != dim {
			return RigidTransform[T]{}, fmt.Errorf("%w: rotation row %d has %d entries", ErrDimensionMismatch, i, len(row))
		}
		flat = append(flat, row...)
	}
	rt := RigidTransform[T]{dim: dim, rot: flat, trans: append([]T(nil), trans...)}
	if !rt.isProperRotation() {
		return RigidTransform[T]{}, ErrNotRotation
	}
	return rt, nil
}

// FromMatrix wraps an already validated row-major rotation. It is used by the
// estimator, which constructs rotations that are proper by construction.
func FromMatrix[T Float](dim int, rot []T, trans []T) RigidTransform[T] {
	return RigidTransform[T]{dim: dim, rot: append([]T(nil), rot...), trans: append([]T(nil), trans...)}
}

// Rotation2D returns a 2D rotation by theta radians followed by (tx, ty).
func Rotation2D[T Float](theta float64, tx, ty T) RigidTransform[T] {
	c, s := T(math.Cos(theta)), T(math.Sin(theta))
	return RigidTransform[T]{dim: 2, rot: []T{c, -s, s, c}, trans: []T{tx, ty}}
}

// Rotation3D returns a rotation of angle radians about axis (Rodrigues'
// formula) followed by translation t.
func Rotation3D[T Float](axis [3]float64, angle float64, t [3]T) RigidTransform[T] {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	if n == 0 {
		rt := Identity[T](3)
		copy(rt.trans, t[:])
		return rt
	}
	x, y, z := axis[0]/n, axis[1]/n, axis[2]/n
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	r := []float64{
		c + x*x*v, x*y*v - z*s, x*z*v + y*s,
		y*x*v + z*s, c + y*y*v, y*z*v - x*s,
		z*x*v - y*s, z*y*v + x*s, c + z*z*v,
	}
	rot := make([]T, 9)
	for i, e := range r {
		rot[i] = T(e)
	}
	return RigidTransform[T]{dim: 3, rot: rot, trans: []T{t[0], t[1], t[2]}}
}

// Dim returns the dimension the transform acts on.
func (rt RigidTransform[T]) Dim() int {
	return rt.dim
}

// Rotation returns a copy of the rotation matrix as rows.
func (rt RigidTransform[T]) Rotation() [][]T {
	rows := make([][]T, rt.dim)
	for i := range rows {
		rows[i] = append([]T(nil), rt.rot[i*rt.dim:(i+1)*rt.dim]...)
	}
	return rows
}

// Translation returns a copy of the translation vector.
func (rt RigidTransform[T]) Translation() []T {
	return append([]T(nil), rt.trans...)
}

// Apply maps p through the transform and returns a new point.
func (rt RigidTransform[T]) Apply(p Point[T]) Point[T] {
	out := make(Point[T], rt.dim)
	for i := 0; i < rt.dim; i++ {
		row := rt.rot[i*rt.dim : (i+1)*rt.dim]
		v := rt.trans[i]
		for j, c := range p {
			v += row[j] * c
		}
		out[i] = v
	}
	return out
}

// ApplyAll returns a transformed copy of ps; ps itself is left untouched.
func (rt RigidTransform[T]) ApplyAll(ps *PointSet[T]) *PointSet[T] {
	out := &PointSet[T]{dim: ps.dim, points: make([]Point[T], len(ps.points))}
	for i, p := range ps.points {
		out.points[i] = rt.Apply(p)
	}
	return out
}

// Compose returns the transform equivalent to applying rt first and next
// second: rotation = R2·R1, translation = R2·t1 + t2.
func (rt RigidTransform[T]) Compose(next RigidTransform[T]) RigidTransform[T] {
	if rt.dim == 0 {
		return next
	}
	r2 := next.dense()
	var rot mat.Dense
	rot.Mul(r2, rt.dense())
	var trans mat.VecDense
	trans.MulVec(r2, rt.transVec())
	trans.AddVec(&trans, next.transVec())
	return fromGonum[T](&rot, &trans)
}

// Inverse returns the transform undoing rt: Rᵀ and −Rᵀ·t.
func (rt RigidTransform[T]) Inverse() RigidTransform[T] {
	if rt.dim == 0 {
		return rt
	}
	var rot mat.Dense
	rot.CloneFrom(rt.dense().T())
	var trans mat.VecDense
	trans.MulVec(&rot, rt.transVec())
	trans.ScaleVec(-1, &trans)
	return fromGonum[T](&rot, &trans)
}

// dense copies R into a float64 matrix.
func (rt RigidTransform[T]) dense() *mat.Dense {
	data := make([]float64, len(rt.rot))
	for i, v := range rt.rot {
		data[i] = float64(v)
	}
	return mat.NewDense(rt.dim, rt.dim, data)
}

func (rt RigidTransform[T]) transVec() *mat.VecDense {
	data := make([]float64, len(rt.trans))
	for i, v := range rt.trans {
		data[i] = float64(v)
	}
	return mat.NewVecDense(rt.dim, data)
}

func fromGonum[T Float](rot *mat.Dense, trans *mat.VecDense) RigidTransform[T] {
	d := trans.Len()
	out := RigidTransform[T]{dim: d, rot: make([]T, d*d), trans: make([]T, d)}
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			out.rot[i*d+j] = T(rot.At(i, j))
		}
		out.trans[i] = T(trans.AtVec(i))
	}
	return out
}

// Angle2D returns the rotation angle in radians of a 2D transform.
func (rt RigidTransform[T]) Angle2D() float64 {
	if rt.dim != 2 {
		return 0
	}
	return math.Atan2(float64(rt.rot[2]), float64(rt.rot[0]))
}

// ApproxEqual reports whether every rotation and translation entry differs
// from other's by at most tol.
func (rt RigidTransform[T]) ApproxEqual(other RigidTransform[T], tol float64) bool {
	if rt.dim != other.dim {
		return false
	}
	for i := range rt.rot {
		if math.Abs(float64(rt.rot[i]-other.rot[i])) > tol {
			return false
		}
	}
	for i := range rt.trans {
		if math.Abs(float64(rt.trans[i]-other.trans[i])) > tol {
			return false
		}
	}
	return true
}

// Determinant returns det(R).
func (rt RigidTransform[T]) Determinant() float64 {
	if rt.dim == 0 {
		return 1
	}
	return mat.Det(rt.dense())
}

// isProperRotation checks RᵀR = I and det(R) = +1 within rotationTolerance.
func (rt RigidTransform[T]) isProperRotation() bool {
	r := rt.dense()
	var gram mat.Dense
	gram.Mul(r.T(), r)
	ones := make([]float64, rt.dim)
	for i := range ones {
		ones[i] = 1
	}
	if !mat.EqualApprox(&gram, mat.NewDiagDense(rt.dim, ones), rotationTolerance) {
		return false
	}
	return math.Abs(mat.Det(r)-1) <= rotationTolerance
}

type rigidJSON struct {
	Rotation    [][]float64 `json:"rotation"`
	Translation []float64   `json:"translation"`
}

// MarshalJSON encodes the transform as {"rotation": rows, "translation": t}.
func (rt RigidTransform[T]) MarshalJSON() ([]byte, error) {
	out := rigidJSON{Rotation: make([][]float64, rt.dim), Translation: make([]float64, rt.dim)}
	for i := 0; i < rt.dim; i++ {
		out.Rotation[i] = make([]float64, rt.dim)
		for j := 0; j < rt.dim; j++ {
			out.Rotation[i][j] = float64(rt.rot[i*rt.dim+j])
		}
		out.Translation[i] = float64(rt.trans[i])
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates the form written by MarshalJSON.
func (rt *RigidTransform[T]) UnmarshalJSON(data []byte) error {
	var in rigidJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	rot := make([][]T, len(in.Rotation))
	for i, row := range in.Rotation {
		rot[i] = make([]T, len(row))
		for j, v := range row {
			rot[i][j] = T(v)
		}
	}
	trans := make([]T, len(in.Translation))
	for i, v := range in.Translation {
		trans[i] = T(v)
	}
	parsed, err := NewRigidTransform(rot, trans)
	if err != nil {
		return err
	}
	*rt = parsed
	return nil
}

// AffineMatrix is the 2D form used by the rendering and publishing layers:
// x' = a·x + b·y + tx, y' = c·x + d·y + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// IdentityAffine returns the 2D identity.
func IdentityAffine() AffineMatrix {
	return AffineMatrix{A: 1, D: 1}
}

// ToAffine2D converts a 2D rigid transform to its affine form.
func (rt RigidTransform[T]) ToAffine2D() (AffineMatrix, error) {
	if rt.dim != 2 {
		return AffineMatrix{}, fmt.Errorf("%w: affine form needs 2D, have %dD", ErrDimensionMismatch, rt.dim)
	}
	return AffineMatrix{
		A: float64(rt.rot[0]), B: float64(rt.rot[1]), Tx: float64(rt.trans[0]),
		C: float64(rt.rot[2]), D: float64(rt.rot[3]), Ty: float64(rt.trans[1]),
	}, nil
}

// FromAffine2D converts an affine matrix back to a rigid transform,
// rejecting matrices that scale, shear or reflect.
func FromAffine2D[T Float](m AffineMatrix) (RigidTransform[T], error) {
	return NewRigidTransform([][]T{{T(m.A), T(m.B)}, {T(m.C), T(m.D)}}, []T{T(m.Tx), T(m.Ty)})
}

// TransformXY applies an affine transform to an (x, y) pair.
func (m AffineMatrix) TransformXY(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.Tx, m.C*x + m.D*y + m.Ty
}

// Multiply composes two affine transforms: result = m * other, i.e. other is
// applied first.
func (m AffineMatrix) Multiply(other AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m.A*other.A + m.B*other.C,
		B:  m.A*other.B + m.B*other.D,
		Tx: m.A*other.Tx + m.B*other.Ty + m.Tx,
		C:  m.C*other.A + m.D*other.C,
		D:  m.C*other.B + m.D*other.D,
		Ty: m.C*other.Tx + m.D*other.Ty + m.Ty,
	}
}

// RotationDeg creates a rotation about the origin (degrees).
func RotationDeg(degrees float64) AffineMatrix {
	rad := degrees * math.Pi / 180.0
	c, s := math.Cos(rad), math.Sin(rad)
	return AffineMatrix{A: c, B: -s, C: s, D: c}
}

// AngleDeg returns the rotation component of m in degrees, normalized to [0, 360).
func (m AffineMatrix) AngleDeg() float64 {
	return NormalizeAngle(math.Atan2(m.C, m.A) * 180 / math.Pi)
}

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}
