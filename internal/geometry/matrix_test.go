package geometry

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestIsValidTransformMatrix(t *testing.T) {
	tests := []struct {
		name string
		T    [16]float64
		want bool
	}{
		{
			name: "identity",
			T: [16]float64{
				1, 0, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 0, 1,
			},
			want: true,
		},
		{
			name: "scaled",
			T: [16]float64{
				2, 0, 0, 0, // Scale factor 2 makes det = 8
				0, 2, 0, 0,
				0, 0, 2, 0,
				0, 0, 0, 1,
			},
			want: false,
		},
		{
			name: "reflection",
			T: [16]float64{
				-1, 0, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 0, 1,
			},
			want: false,
		},
		{
			name: "bad last row",
			T: [16]float64{
				1, 0, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 1, 1,
			},
			want: false,
		},
		{
			name: "shear with unit determinant",
			T: [16]float64{
				1, 1, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 0, 1,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransformMatrix(tt.T); got != tt.want {
				t.Errorf("IsValidTransformMatrix() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromMatrix_MatchesPose(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 100; i++ {
		p := randomPose(rng, "map", "tag")
		got, err := FromMatrix("map", "tag", p.Matrix())
		if err != nil {
			t.Fatalf("FromMatrix: %v", err)
		}
		if !ApproxEqual(got, p, 1e-9) {
			t.Fatalf("iteration %d: got %v, want %v", i, got, p)
		}
	}
}

func TestFromMatrix_Invalid(t *testing.T) {
	_, err := FromMatrix("a", "b", [16]float64{})
	if !errors.Is(err, ErrInvalidTransform) {
		t.Errorf("err = %v, want ErrInvalidTransform", err)
	}
}

func TestRotationFromAxes(t *testing.T) {
	// Axes of a frame rotated 90° about z.
	q := RotationFromAxes(r3.Vec{Y: 1}, r3.Vec{X: -1}, r3.Vec{Z: 1})
	p := Pose{Rotation: q}
	got := p.Apply(r3.Vec{X: 1})
	if math.Abs(got.Y-1) > 1e-12 || math.Abs(got.X) > 1e-12 {
		t.Errorf("x axis maps to %+v, want (0, 1, 0)", got)
	}
}
