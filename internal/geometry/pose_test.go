package geometry

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-9

func randomPose(rng *rand.Rand, frame, child string) Pose {
	q := quat.Number{
		Real: rng.NormFloat64(),
		Imag: rng.NormFloat64(),
		Jmag: rng.NormFloat64(),
		Kmag: rng.NormFloat64(),
	}
	t := r3.Vec{X: rng.Float64()*40 - 20, Y: rng.Float64()*40 - 20, Z: rng.Float64()*4 - 2}
	return NewPose(frame, child, t, quat.Scale(1/quat.Abs(q), q))
}

func TestComposeMapToBody_InverseConsistent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		mapToTag := randomPose(rng, "map", "tag")
		sensorToTag := randomPose(rng, "camera", "tag")
		sensorToBody := randomPose(rng, "camera", "base_link")

		mapToBody := ComposeMapToBody(mapToTag, sensorToTag, sensorToBody)
		got := DecomposeSensorToTag(mapToBody, mapToTag, sensorToBody)

		if !ApproxEqual(got, sensorToTag, tol) {
			t.Fatalf("iteration %d: recovered %v, want %v", i, got, sensorToTag)
		}
	}
}

func TestComposeMapToBody_Frames(t *testing.T) {
	got := ComposeMapToBody(
		Identity("map", "tag"),
		Identity("camera", "tag"),
		Identity("camera", "base_link"),
	)
	if got.Frame != "map" || got.Child != "base_link" {
		t.Errorf("frames = %s->%s, want map->base_link", got.Frame, got.Child)
	}
}

func TestComposeMapToBody_TagAheadOfSensor(t *testing.T) {
	mapToTag := NewPose("map", "tag", r3.Vec{X: 10}, quat.Number{Real: 1})
	sensorToTag := NewPose("camera", "tag", r3.Vec{Z: 2}, quat.Number{Real: 1})

	got := ComposeMapToBody(mapToTag, sensorToTag, Identity("camera", "base_link"))

	want := r3.Vec{X: 10, Z: -2}
	if r3.Norm(r3.Sub(got.Translation, want)) > tol {
		t.Errorf("translation = %+v, want %+v", got.Translation, want)
	}
}

func TestComposeMapToBody_SensorOffset(t *testing.T) {
	// Body sits 1.5m behind the camera along the camera's z axis; the tag is
	// 2m ahead, so the body is 3.5m from the tag.
	mapToTag := Identity("map", "tag")
	sensorToTag := NewPose("camera", "tag", r3.Vec{Z: 2}, quat.Number{Real: 1})
	sensorToBody := NewPose("camera", "base_link", r3.Vec{Z: -1.5}, quat.Number{Real: 1})

	got := ComposeMapToBody(mapToTag, sensorToTag, sensorToBody)

	if d := r3.Norm(got.Translation); math.Abs(d-3.5) > tol {
		t.Errorf("body-tag distance = %f, want 3.5", d)
	}
}

func TestInverse_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	p := randomPose(rng, "a", "b")
	got := Compose(p, Inverse(p))
	if !ApproxEqual(got, Identity("a", "a"), tol) {
		t.Errorf("p∘p⁻¹ = %v, want identity", got)
	}
	if inv := Inverse(p); inv.Frame != "b" || inv.Child != "a" {
		t.Errorf("inverse frames = %s->%s, want b->a", inv.Frame, inv.Child)
	}
}

func TestCompose_RotationNotEulerSum(t *testing.T) {
	// 90° about x then 90° about y must not equal a naive angle sum.
	rx := quat.Number(r3.NewRotation(math.Pi/2, r3.Vec{X: 1}))
	ry := quat.Number(r3.NewRotation(math.Pi/2, r3.Vec{Y: 1}))
	a := NewPose("a", "b", r3.Vec{}, rx)
	b := NewPose("b", "c", r3.Vec{}, ry)

	got := Compose(a, b).Apply(r3.Vec{X: 1})
	// Ry maps x to -z, Rx maps -z to y.
	want := r3.Vec{Y: 1}
	if r3.Norm(r3.Sub(got, want)) > tol {
		t.Errorf("rotated = %+v, want %+v", got, want)
	}
}

func TestFromRodrigues(t *testing.T) {
	p := FromRodrigues("camera", "tag", r3.Vec{Z: math.Pi / 2}, r3.Vec{X: 1, Y: 2, Z: 3})

	if p.Translation != (r3.Vec{X: 1, Y: 2, Z: 3}) {
		t.Errorf("translation = %+v", p.Translation)
	}
	got := p.Apply(r3.Vec{X: 1})
	want := r3.Vec{X: 1, Y: 3, Z: 3}
	if r3.Norm(r3.Sub(got, want)) > tol {
		t.Errorf("applied = %+v, want %+v", got, want)
	}

	zero := FromRodrigues("camera", "tag", r3.Vec{}, r3.Vec{Z: 1})
	if zero.Rotation != (quat.Number{Real: 1}) {
		t.Errorf("zero rvec rotation = %v, want identity", zero.Rotation)
	}
}

func TestPoseValid(t *testing.T) {
	if !Identity("a", "b").Valid() {
		t.Error("identity should be valid")
	}
	bad := Pose{Rotation: quat.Number{Real: 2}}
	if bad.Valid() {
		t.Error("non-unit rotation should be invalid")
	}
	nan := Identity("a", "b")
	nan.Translation.X = math.NaN()
	if nan.Valid() {
		t.Error("NaN translation should be invalid")
	}
}

func TestNewPose_Renormalises(t *testing.T) {
	p := NewPose("a", "b", r3.Vec{}, quat.Number{Real: 2})
	if math.Abs(quat.Abs(p.Rotation)-1) > tol {
		t.Errorf("|q| = %f, want 1", quat.Abs(p.Rotation))
	}
}
