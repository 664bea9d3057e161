package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidTransform is returned when a matrix is not a proper rigid transform.
var ErrInvalidTransform = errors.New("invalid transform matrix (not proper rigid transform)")

// Matrix returns the pose as a 4x4 row-major homogeneous transform.
func (p Pose) Matrix() [16]float64 {
	r := rotationMatrix(p.Rotation)
	return [16]float64{
		r[0], r[1], r[2], p.Translation.X,
		r[3], r[4], r[5], p.Translation.Y,
		r[6], r[7], r[8], p.Translation.Z,
		0, 0, 0, 1,
	}
}

// FromMatrix builds a pose from a 4x4 row-major homogeneous transform.
func FromMatrix(frame, child string, T [16]float64) (Pose, error) {
	if !IsValidTransformMatrix(T) {
		return Pose{}, ErrInvalidTransform
	}
	q := quatFromRotation(
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	)
	return NewPose(frame, child, r3.Vec{X: T[3], Y: T[7], Z: T[11]}, q), nil
}

// RotationFromAxes returns the rotation whose matrix has the given unit
// vectors as its columns.
func RotationFromAxes(x, y, z r3.Vec) quat.Number {
	return normalize(quatFromRotation(
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	))
}

// IsValidTransformMatrix checks if a 4x4 matrix is a valid rigid transform.
// A valid rigid transform has:
// 1. Orthonormal rotation submatrix (det ≈ 1)
// 2. Last row is [0 0 0 1]
func IsValidTransformMatrix(T [16]float64) bool {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	// det ≈ 1 (proper rotation, not reflection)
	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.IsNaN(det) || math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}

	// Columns must be unit length and mutually orthogonal.
	c0 := r3.Vec{X: r00, Y: r10, Z: r20}
	c1 := r3.Vec{X: r01, Y: r11, Z: r21}
	c2 := r3.Vec{X: r02, Y: r12, Z: r22}
	for _, c := range []r3.Vec{c0, c1, c2} {
		if math.Abs(r3.Norm(c)-1) > MatrixValidationTolerance {
			return false
		}
	}
	if math.Abs(r3.Dot(c0, c1)) > MatrixValidationTolerance ||
		math.Abs(r3.Dot(c1, c2)) > MatrixValidationTolerance ||
		math.Abs(r3.Dot(c0, c2)) > MatrixValidationTolerance {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}

	return true
}

// rotationMatrix returns the row-major 3x3 rotation matrix of a unit quaternion.
func rotationMatrix(q quat.Number) [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// quatFromRotation converts a row-major rotation matrix to a quaternion,
// branching on the largest diagonal term to keep the square root well
// conditioned.
func quatFromRotation(m00, m01, m02, m10, m11, m12, m20, m21, m22 float64) quat.Number {
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		return quat.Number{
			Real: 0.25 * s,
			Imag: (m21 - m12) / s,
			Jmag: (m02 - m20) / s,
			Kmag: (m10 - m01) / s,
		}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		return quat.Number{
			Real: (m21 - m12) / s,
			Imag: 0.25 * s,
			Jmag: (m01 + m10) / s,
			Kmag: (m02 + m20) / s,
		}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		return quat.Number{
			Real: (m02 - m20) / s,
			Imag: (m01 + m10) / s,
			Jmag: 0.25 * s,
			Kmag: (m12 + m21) / s,
		}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		return quat.Number{
			Real: (m10 - m01) / s,
			Imag: (m02 + m20) / s,
			Jmag: (m12 + m21) / s,
			Kmag: 0.25 * s,
		}
	}
}
