package tfstatic

import (
	"errors"
	"testing"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tag.localizer/internal/geometry"
)

func TestLookup_DirectAndReverse(t *testing.T) {
	b := NewBuffer()
	mount := geometry.NewPose("base_link", "camera", r3.Vec{X: 1.2, Z: 1.5}, quat.Number{Real: 1})
	if err := b.Set(mount); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := b.Lookup("base_link", "camera", time.Time{})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !geometry.ApproxEqual(got, mount, 1e-12) {
		t.Errorf("direct = %v, want %v", got, mount)
	}

	inv, err := b.Lookup("camera", "base_link", time.Time{})
	if err != nil {
		t.Fatalf("reverse Lookup: %v", err)
	}
	want := r3.Vec{X: -1.2, Z: -1.5}
	if r3.Norm(r3.Sub(inv.Translation, want)) > 1e-12 {
		t.Errorf("reverse translation = %+v, want %+v", inv.Translation, want)
	}
	if inv.Frame != "camera" || inv.Child != "base_link" {
		t.Errorf("reverse frames = %s->%s", inv.Frame, inv.Child)
	}
}

func TestLookup_Chain(t *testing.T) {
	b := NewBuffer()
	must := func(p geometry.Pose) {
		t.Helper()
		if err := b.Set(p); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	must(geometry.NewPose("base_link", "roof", r3.Vec{Z: 1.8}, quat.Number{Real: 1}))
	must(geometry.NewPose("roof", "camera", r3.Vec{X: 0.5}, quat.Number{Real: 1}))

	got, err := b.Lookup("camera", "base_link", time.Time{})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := r3.Vec{X: -0.5, Z: -1.8}
	if r3.Norm(r3.Sub(got.Translation, want)) > 1e-12 {
		t.Errorf("chained translation = %+v, want %+v", got.Translation, want)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}

func TestLookup_NotConnected(t *testing.T) {
	b := NewBuffer()
	_, err := b.Lookup("camera", "base_link", time.Now())
	if !errors.Is(err, ErrFramesNotConnected) {
		t.Errorf("err = %v, want ErrFramesNotConnected", err)
	}
}

func TestLookup_SameFrame(t *testing.T) {
	got, err := NewBuffer().Lookup("camera", "camera", time.Now())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !geometry.ApproxEqual(got, geometry.Identity("camera", "camera"), 0) {
		t.Errorf("got %v, want identity", got)
	}
}

func TestSet_Rejects(t *testing.T) {
	b := NewBuffer()
	if err := b.Set(geometry.Identity("", "camera")); err == nil {
		t.Error("expected error for empty frame")
	}
	if err := b.Set(geometry.Identity("camera", "camera")); err == nil {
		t.Error("expected error for self transform")
	}
	if err := b.Set(geometry.Pose{Frame: "a", Child: "b"}); err == nil {
		t.Error("expected error for zero quaternion")
	}
}

func TestSet_Replaces(t *testing.T) {
	b := NewBuffer()
	_ = b.Set(geometry.NewPose("base_link", "camera", r3.Vec{X: 1}, quat.Number{Real: 1}))
	_ = b.Set(geometry.NewPose("base_link", "camera", r3.Vec{X: 2}, quat.Number{Real: 1}))

	got, err := b.Lookup("base_link", "camera", time.Time{})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Translation.X != 2 {
		t.Errorf("X = %v, want 2", got.Translation.X)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}
