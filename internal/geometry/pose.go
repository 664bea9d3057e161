// Package geometry holds rigid-body poses and the frame composition used to
// turn a tag detection into a vehicle pose.
//
// A Pose is the position and orientation of a Child frame expressed in
// Frame. Compose applies right to left: Compose(a, b) maps points from
// b.Child into a.Frame.
package geometry

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
	MatrixValidationTolerance = 0.01

	// renormEpsilon bounds the drift of |q| from 1 that is tolerated before
	// the rotation is renormalised.
	renormEpsilon = 1e-9

	// unitTolerance bounds |q| drift for a pose to still count as valid.
	unitTolerance = 1e-6
)

// Pose is a rigid transform tagged with the frames it relates.
type Pose struct {
	Frame       string
	Child       string
	Translation r3.Vec
	Rotation    quat.Number
}

// StampedPose is a Pose observed at a given instant. All producers feeding
// the same pipeline are expected to share one clock domain.
type StampedPose struct {
	Pose
	Stamp time.Time
}

// Identity returns the identity transform from child to frame.
func Identity(frame, child string) Pose {
	return Pose{Frame: frame, Child: child, Rotation: quat.Number{Real: 1}}
}

// NewPose builds a pose from a translation and a rotation quaternion.
func NewPose(frame, child string, t r3.Vec, q quat.Number) Pose {
	return Pose{Frame: frame, Child: child, Translation: t, Rotation: normalize(q)}
}

// FromRodrigues builds a pose from an axis-angle rotation vector and a
// translation, the representation produced by OpenCV-style tag detectors.
func FromRodrigues(frame, child string, rvec, tvec r3.Vec) Pose {
	theta := r3.Norm(rvec)
	if theta < 1e-12 {
		p := Identity(frame, child)
		p.Translation = tvec
		return p
	}
	rot := r3.NewRotation(theta, r3.Unit(rvec))
	return NewPose(frame, child, tvec, quat.Number(rot))
}

// Valid reports whether the pose has finite components and a unit rotation.
func (p Pose) Valid() bool {
	for _, v := range []float64{
		p.Translation.X, p.Translation.Y, p.Translation.Z,
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return math.Abs(quat.Abs(p.Rotation)-1) <= unitTolerance
}

// Apply maps a point expressed in p.Child into p.Frame.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Add(r3.Rotation(p.Rotation).Rotate(v), p.Translation)
}

// Compose returns a∘b, the transform from b.Child into a.Frame. The caller
// is responsible for a.Child and b.Frame naming the same frame.
func Compose(a, b Pose) Pose {
	return Pose{
		Frame:       a.Frame,
		Child:       b.Child,
		Translation: a.Apply(b.Translation),
		Rotation:    normalize(quat.Mul(a.Rotation, b.Rotation)),
	}
}

// Inverse returns the transform from p.Frame into p.Child.
func Inverse(p Pose) Pose {
	qi := quat.Conj(p.Rotation)
	t := r3.Rotation(qi).Rotate(p.Translation)
	return Pose{
		Frame:       p.Child,
		Child:       p.Frame,
		Translation: r3.Scale(-1, t),
		Rotation:    qi,
	}
}

// Distance returns the Euclidean distance between the positions of a and b.
func Distance(a, b Pose) float64 {
	return r3.Norm(r3.Sub(a.Translation, b.Translation))
}

// ApproxEqual reports whether two poses agree within tol on every
// translation component and on the rotation (q and -q are the same rotation).
func ApproxEqual(a, b Pose, tol float64) bool {
	d := r3.Sub(a.Translation, b.Translation)
	if math.Abs(d.X) > tol || math.Abs(d.Y) > tol || math.Abs(d.Z) > tol {
		return false
	}
	same := quat.Abs(quat.Sub(a.Rotation, b.Rotation))
	flipped := quat.Abs(quat.Add(a.Rotation, b.Rotation))
	return math.Min(same, flipped) <= tol
}

// String formats the pose for logs.
func (p Pose) String() string {
	return fmt.Sprintf("%s->%s t=(%.3f, %.3f, %.3f) q=(%.4f, %.4f, %.4f, %.4f)",
		p.Frame, p.Child,
		p.Translation.X, p.Translation.Y, p.Translation.Z,
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag)
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	if math.Abs(n-1) <= renormEpsilon {
		return q
	}
	return quat.Scale(1/n, q)
}
