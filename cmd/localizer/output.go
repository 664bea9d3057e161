package main

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/geometry"
	"github.com/banshee-data/tag.localizer/internal/landmark"
)

// jsonLinesOutput writes corrected poses, marker views and diagnostics as
// one JSON object per line. It is the pose, marker and diagnostic sink of
// the pipeline.
type jsonLinesOutput struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLinesOutput(w io.Writer) *jsonLinesOutput {
	return &jsonLinesOutput{enc: json.NewEncoder(w)}
}

// posePayload carries a pose both as position + quaternion (w, x, y, z) and
// as a 4x4 row-major homogeneous matrix.
type posePayload struct {
	Frame       string      `json:"frame"`
	Child       string      `json:"child"`
	Position    [3]float64  `json:"position"`
	Orientation [4]float64  `json:"orientation"`
	Matrix      [16]float64 `json:"matrix"`
}

func payload(p geometry.Pose) posePayload {
	t, q := p.Translation, p.Rotation
	return posePayload{
		Frame:       p.Frame,
		Child:       p.Child,
		Position:    [3]float64{t.X, t.Y, t.Z},
		Orientation: [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Matrix:      p.Matrix(),
	}
}

type poseRecord struct {
	Type        string      `json:"type"`
	ID          string      `json:"id"`
	TagID       string      `json:"tag_id"`
	SnapshotID  string      `json:"snapshot_id"`
	Stamp       time.Time   `json:"stamp"`
	Pose        posePayload `json:"pose"`
	Covariance  []float64   `json:"covariance"`
	Distance    float64     `json:"distance"`
	Coefficient float64     `json:"coefficient"`
}

type markerRecord struct {
	ID   string      `json:"id"`
	Pose posePayload `json:"pose"`
}

type markersRecord struct {
	Type    string         `json:"type"`
	Markers []markerRecord `json:"markers"`
}

type diagnosticRecord struct {
	Type string `json:"type"`
	correction.DiagnosticStatus
}

func (o *jsonLinesOutput) write(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enc.Encode(v)
}

func (o *jsonLinesOutput) Publish(vp correction.ValidatedPose) error {
	return o.write(poseRecord{
		Type:        "pose",
		ID:          vp.ID,
		TagID:       vp.TagID,
		SnapshotID:  vp.SnapshotID,
		Stamp:       vp.Stamp,
		Pose:        payload(vp.Pose),
		Covariance:  vp.Covariance.Slice(),
		Distance:    vp.Distance,
		Coefficient: vp.Coefficient,
	})
}

func (o *jsonLinesOutput) PublishMarkers(markers []landmark.Marker) error {
	rec := markersRecord{Type: "markers", Markers: make([]markerRecord, len(markers))}
	for i, m := range markers {
		rec.Markers[i] = markerRecord{ID: m.ID, Pose: payload(m.Pose)}
	}
	return o.write(rec)
}

func (o *jsonLinesOutput) PublishDiagnostic(s correction.DiagnosticStatus) error {
	return o.write(diagnosticRecord{Type: "diagnostic", DiagnosticStatus: s})
}
