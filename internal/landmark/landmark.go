// Package landmark builds the tag-id to map-pose lookup used by the
// correction pipeline.
//
// A Map is immutable once built. Updates replace the whole snapshot
// through Store, so readers never see a half-built map.
package landmark

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tag.localizer/internal/geometry"
)

const (
	// DefaultFamily is the tag family used when none is configured.
	DefaultFamily = "apriltag_16h5"

	// FeatureTypePoseMarker marks a feature that carries a tag pose.
	FeatureTypePoseMarker = "pose_marker"

	// volumeThreshold bounds the signed tetrahedron volume of the four
	// corners; anything larger is treated as non-planar.
	volumeThreshold = 1e-5
)

var (
	// ErrDuplicateID is returned when a snapshot lists the same tag twice.
	ErrDuplicateID = errors.New("duplicate landmark id")
	// ErrEmptyFamily is returned when Build is called without a family filter.
	ErrEmptyFamily = errors.New("tag family must not be empty")
)

// Vertex is one polygon corner in map coordinates.
type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Feature is a labelled polygon from the landmark source.
type Feature struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Subtype  string   `json:"subtype"`
	Vertices []Vertex `json:"vertices"`
}

// Source is the serialized landmark document.
type Source struct {
	Features []Feature `json:"features"`
}

// Marker is one (id, pose) pair of the visualisation view.
type Marker struct {
	ID   string        `json:"id"`
	Pose geometry.Pose `json:"-"`
}

// Map is one immutable landmark snapshot.
type Map struct {
	// SnapshotID identifies the snapshot in logs and the journal.
	SnapshotID string
	Family     string
	BuiltAt    time.Time
	// Skipped counts matching features that could not be turned into a pose.
	Skipped int

	entries map[string]geometry.Pose
}

// Build parses raw and keeps pose markers of the given family.
func Build(raw []byte, family string) (*Map, error) {
	var src Source
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("failed to parse landmark source: %w", err)
	}
	return FromSource(src, family)
}

// FromSource builds a map from an already decoded source document.
func FromSource(src Source, family string) (*Map, error) {
	if family == "" {
		return nil, ErrEmptyFamily
	}
	m := &Map{
		SnapshotID: uuid.NewString(),
		Family:     family,
		BuiltAt:    time.Now(),
		entries:    make(map[string]geometry.Pose),
	}
	// Ids of skipped features count too.
	seen := make(map[string]struct{}, len(src.Features))
	for _, f := range src.Features {
		if f.Type != FeatureTypePoseMarker || f.Subtype != family {
			continue
		}
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, f.ID)
		}
		seen[f.ID] = struct{}{}
		pose, err := poseFromCorners(f.Vertices)
		if err != nil {
			diagf("skipping landmark %q: %v", f.ID, err)
			m.Skipped++
			continue
		}
		pose.Child = f.ID
		m.entries[f.ID] = pose
	}
	return m, nil
}

// Lookup returns the map-frame pose of a tag. Unknown ids are not an error.
func (m *Map) Lookup(id string) (geometry.Pose, bool) {
	if m == nil {
		return geometry.Pose{}, false
	}
	p, ok := m.entries[id]
	return p, ok
}

// Len returns the number of landmarks in the snapshot.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Markers returns the snapshot as an id-sorted list for visualisation.
func (m *Map) Markers() []Marker {
	if m == nil {
		return nil
	}
	out := make([]Marker, 0, len(m.entries))
	for id, p := range m.entries {
		out = append(out, Marker{ID: id, Pose: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// poseFromCorners derives a tag pose from its four corners: the centre is
// the mean of the vertices, x runs v0→v1, y runs v1→v2 and z = x × y.
func poseFromCorners(vs []Vertex) (geometry.Pose, error) {
	if len(vs) != 4 {
		return geometry.Pose{}, fmt.Errorf("expected 4 vertices, got %d", len(vs))
	}
	v := make([]r3.Vec, 4)
	for i, p := range vs {
		v[i] = r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
	}

	volume := r3.Dot(r3.Cross(r3.Sub(v[1], v[0]), r3.Sub(v[2], v[0])), r3.Sub(v[3], v[0])) / 6
	if math.Abs(volume) > volumeThreshold {
		return geometry.Pose{}, fmt.Errorf("vertices are not coplanar (volume %.6g)", volume)
	}

	center := r3.Scale(0.25, r3.Add(r3.Add(v[0], v[1]), r3.Add(v[2], v[3])))
	ex := r3.Sub(v[1], v[0])
	ey := r3.Sub(v[2], v[1])
	if r3.Norm(ex) == 0 || r3.Norm(ey) == 0 {
		return geometry.Pose{}, errors.New("degenerate corner layout")
	}
	x := r3.Unit(ex)
	z := r3.Cross(x, r3.Unit(ey))
	if r3.Norm(z) < 1e-9 {
		return geometry.Pose{}, errors.New("collinear corners")
	}
	z = r3.Unit(z)
	// Re-derive y so the axes are exactly orthonormal even for slightly
	// skewed surveyed corners.
	y := r3.Cross(z, x)

	return geometry.NewPose("map", "", center, geometry.RotationFromAxes(x, y, z)), nil
}

// Store holds the current snapshot. Swap and Load are safe for concurrent use.
type Store struct {
	current atomic.Pointer[Map]
}

// Swap installs m as the current snapshot and returns the previous one.
func (s *Store) Swap(m *Map) *Map {
	return s.current.Swap(m)
}

// Load returns the current snapshot, or nil before the first map update.
func (s *Store) Load() *Map {
	return s.current.Load()
}
