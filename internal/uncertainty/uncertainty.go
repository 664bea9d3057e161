// Package uncertainty maps observation distance to pose covariance.
//
// Within NominalRange the configured base covariance is used unchanged.
// Beyond it the covariance grows with the cube of distance/NominalRange.
// Downstream estimators are tuned to this curve; keep it exact.
package uncertainty

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NominalRange is the distance up to which the base covariance applies.
const NominalRange = 5.0

// Size is the dimension of the pose covariance (x, y, z, roll, pitch, yaw).
const Size = 6

// symmetryTolerance bounds |c_ij - c_ji| for a covariance to count as symmetric.
const symmetryTolerance = 1e-12

var (
	ErrNotSymmetric     = errors.New("covariance is not symmetric")
	ErrNegativeVariance = errors.New("covariance has a negative variance")
	ErrNotPSD           = errors.New("covariance is not positive semi-definite")
)

// Covariance is a 6x6 row-major pose covariance.
type Covariance [Size * Size]float64

// Diagonal builds a covariance with positional variance pos on x, y, z and
// rotational variance rot on roll, pitch, yaw.
func Diagonal(pos, rot float64) Covariance {
	var c Covariance
	for i := 0; i < 3; i++ {
		c[i*Size+i] = pos
		c[(i+3)*Size+i+3] = rot
	}
	return c
}

// FromSlice copies 36 row-major values into a Covariance.
func FromSlice(v []float64) (Covariance, error) {
	var c Covariance
	if len(v) != len(c) {
		return c, fmt.Errorf("covariance needs %d values, got %d", len(c), len(v))
	}
	copy(c[:], v)
	return c, nil
}

// Coefficient returns max(1, (distance/NominalRange)^3).
func Coefficient(distance float64) float64 {
	return math.Max(1.0, math.Pow(distance/NominalRange, 3))
}

// Scale returns base scaled element-wise by Coefficient(distance).
func Scale(distance float64, base Covariance) Covariance {
	coeff := Coefficient(distance)
	if coeff == 1 {
		return base
	}
	var out Covariance
	for i, v := range base {
		out[i] = coeff * v
	}
	return out
}

// At returns element (i, j).
func (c Covariance) At(i, j int) float64 {
	return c[i*Size+j]
}

// Slice returns the 36 row-major values.
func (c Covariance) Slice() []float64 {
	return append([]float64(nil), c[:]...)
}

// Dense returns a copy of the covariance as a gonum matrix.
func (c Covariance) Dense() *mat.Dense {
	data := make([]float64, len(c))
	copy(data, c[:])
	return mat.NewDense(Size, Size, data)
}

// Validate checks that c is symmetric with non-negative variances and no
// negative eigenvalues.
func (c Covariance) Validate() error {
	d := c.Dense()
	if !mat.EqualApprox(d, d.T(), symmetryTolerance) {
		return ErrNotSymmetric
	}
	for i := 0; i < Size; i++ {
		if v := c.At(i, i); v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: element (%d,%d) = %g", ErrNegativeVariance, i, i, v)
		}
	}

	sym := mat.NewSymDense(Size, nil)
	for i := 0; i < Size; i++ {
		for j := i; j < Size; j++ {
			sym.SetSym(i, j, c.At(i, j))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return fmt.Errorf("%w: eigen decomposition failed", ErrNotPSD)
	}
	for _, ev := range eig.Values(nil) {
		if ev < -1e-12 {
			return fmt.Errorf("%w: eigenvalue %g", ErrNotPSD, ev)
		}
	}
	return nil
}
