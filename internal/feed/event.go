package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/geometry"
)

// Event types carried in the "type" field of each line.
const (
	EventTypeDetections      = "detections"
	EventTypeReferencePose   = "reference_pose"
	EventTypeMapUpdate       = "map_update"
	EventTypeCameraInfo      = "camera_info"
	EventTypeStaticTransform = "static_transform"
)

// ErrUnknownEventType is returned by Decode for an unrecognised "type".
var ErrUnknownEventType = errors.New("unknown event type")

// wirePose is a translation plus either a quaternion (w, x, y, z) or a
// Rodrigues rotation vector, or a 4x4 row-major homogeneous matrix on its
// own.
type wirePose struct {
	Translation [3]float64   `json:"translation"`
	Rotation    *[4]float64  `json:"rotation,omitempty"`
	RVec        *[3]float64  `json:"rvec,omitempty"`
	Matrix      *[16]float64 `json:"matrix,omitempty"`
}

func (w wirePose) pose(frame, child string) (geometry.Pose, error) {
	t := r3.Vec{X: w.Translation[0], Y: w.Translation[1], Z: w.Translation[2]}
	switch {
	case w.Matrix != nil:
		if w.Rotation != nil || w.RVec != nil || t != (r3.Vec{}) {
			return geometry.Pose{}, errors.New("pose has both matrix and translation/rotation")
		}
		return geometry.FromMatrix(frame, child, *w.Matrix)
	case w.Rotation != nil && w.RVec != nil:
		return geometry.Pose{}, errors.New("pose has both rotation and rvec")
	case w.Rotation != nil:
		q := quat.Number{Real: w.Rotation[0], Imag: w.Rotation[1], Jmag: w.Rotation[2], Kmag: w.Rotation[3]}
		if quat.Abs(q) == 0 {
			return geometry.Pose{}, errors.New("pose rotation is a zero quaternion")
		}
		return geometry.NewPose(frame, child, t, q), nil
	case w.RVec != nil:
		rv := r3.Vec{X: w.RVec[0], Y: w.RVec[1], Z: w.RVec[2]}
		return geometry.FromRodrigues(frame, child, rv, t), nil
	default:
		return geometry.NewPose(frame, child, t, quat.Number{Real: 1}), nil
	}
}

type wireDetection struct {
	TagID string `json:"tag_id"`
	wirePose
}

type wireEvent struct {
	Type  string    `json:"type"`
	Stamp time.Time `json:"stamp"`

	// detections
	SensorFrame string          `json:"sensor_frame,omitempty"`
	Detections  []wireDetection `json:"detections,omitempty"`

	// reference_pose, static_transform
	Frame string `json:"frame,omitempty"`
	Child string `json:"child,omitempty"`
	*wirePose

	// map_update
	Map json.RawMessage `json:"map,omitempty"`

	// camera_info
	CameraInfo *correction.CameraInfo `json:"camera_info,omitempty"`
}

// Event is one decoded feed line. Only the fields for Type are set.
type Event struct {
	Type       string
	Frame      correction.Frame
	Pose       geometry.StampedPose
	Transform  geometry.Pose
	Map        []byte
	CameraInfo correction.CameraInfo
}

// Decode parses one feed line.
func Decode(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	ev := Event{Type: w.Type}

	switch w.Type {
	case EventTypeDetections:
		if w.SensorFrame == "" {
			return ev, errors.New("detections event without sensor_frame")
		}
		ev.Frame = correction.Frame{Stamp: w.Stamp, SensorFrame: w.SensorFrame}
		for i, d := range w.Detections {
			if d.TagID == "" {
				return ev, fmt.Errorf("detection %d has no tag_id", i)
			}
			p, err := d.pose(w.SensorFrame, d.TagID)
			if err != nil {
				return ev, fmt.Errorf("detection %d (tag %s): %w", i, d.TagID, err)
			}
			ev.Frame.Detections = append(ev.Frame.Detections, correction.Detection{TagID: d.TagID, Pose: p})
		}

	case EventTypeReferencePose:
		if w.wirePose == nil {
			return ev, errors.New("reference_pose event without a pose")
		}
		if w.Frame == "" {
			return ev, errors.New("reference_pose event without frame")
		}
		p, err := w.pose(w.Frame, w.Child)
		if err != nil {
			return ev, fmt.Errorf("reference_pose: %w", err)
		}
		ev.Pose = geometry.StampedPose{Pose: p, Stamp: w.Stamp}

	case EventTypeStaticTransform:
		if w.wirePose == nil {
			return ev, errors.New("static_transform event without a pose")
		}
		p, err := w.pose(w.Frame, w.Child)
		if err != nil {
			return ev, fmt.Errorf("static_transform: %w", err)
		}
		ev.Transform = p

	case EventTypeMapUpdate:
		if len(w.Map) == 0 {
			return ev, errors.New("map_update event without map")
		}
		ev.Map = []byte(w.Map)

	case EventTypeCameraInfo:
		if w.CameraInfo == nil {
			return ev, errors.New("camera_info event without camera_info")
		}
		ev.CameraInfo = *w.CameraInfo

	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
	return ev, nil
}
