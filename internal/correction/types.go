package correction

import (
	"fmt"
	"time"

	"github.com/banshee-data/tag.localizer/internal/geometry"
	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/uncertainty"
)

// Readiness is the pipeline's precondition for handling detections.
type Readiness int32

const (
	// NotReady means no usable camera intrinsics have arrived yet.
	NotReady Readiness = iota
	// Ready means detections are processed.
	Ready
)

func (r Readiness) String() string {
	switch r {
	case NotReady:
		return "not_ready"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("Readiness(%d)", int32(r))
	}
}

// MarshalText renders the readiness as its string form in JSON output.
func (r Readiness) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// CameraInfo carries the intrinsics of the sensor producing detections.
// Only its arrival matters to the pipeline; the values are for the detector.
type CameraInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// P is the 3x4 row-major projection matrix.
	P [12]float64 `json:"p"`
}

// Valid reports whether the intrinsics describe a usable camera.
func (c CameraInfo) Valid() bool {
	return c.Width > 0 && c.Height > 0 && c.P[0] > 0 && c.P[5] > 0
}

// Detection is one recognised tag in one image.
type Detection struct {
	TagID string
	// Pose is the tag pose relative to the sensor.
	Pose geometry.Pose
	// Stamp and SensorFrame default to the enclosing Frame's values when zero.
	Stamp       time.Time
	SensorFrame string
}

// Frame is the batch of detections produced from one image.
type Frame struct {
	Stamp       time.Time
	SensorFrame string
	Detections  []Detection
}

// ValidatedPose is a map-frame body pose that passed every filter.
type ValidatedPose struct {
	ID string
	geometry.StampedPose
	Covariance uncertainty.Covariance

	TagID      string
	SnapshotID string
	// Distance is the sensor-to-tag range the covariance was scaled for.
	Distance    float64
	Coefficient float64
}

// Stages outside the gate where a detection can be dropped.
const (
	StageTransform = "transform"
	StagePublish   = "publish"
)

// Outcome records what happened to one detection.
type Outcome struct {
	TagID string
	// Stamp is the detection's own stamp.
	Stamp     time.Time
	Published bool
	// Stage is the filter or stage that dropped the detection.
	Stage    string
	Reason   string
	Distance float64
	// Candidate is the composed pose, set once composition succeeded.
	Candidate *geometry.Pose
}

// Diagnostic levels.
const (
	DiagnosticOK   = "OK"
	DiagnosticWarn = "WARN"
)

// DiagnosticKeyDetected is the key under which the per-frame tag count is reported.
const DiagnosticKeyDetected = "Number of Detected AR Tags"

// DiagnosticStatus summarises one processed frame for health monitoring.
type DiagnosticStatus struct {
	Name    string            `json:"name"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Values  map[string]string `json:"values"`
	Stamp   time.Time         `json:"stamp"`
}

// FrameResult is everything HandleDetections produced for one frame.
type FrameResult struct {
	Stamp     time.Time
	Readiness Readiness
	Detected  int
	Published []ValidatedPose
	Outcomes  []Outcome
	// Diagnostic is nil when the frame was not processed.
	Diagnostic *DiagnosticStatus
}

// TransformResolver resolves the pose of target expressed in source.
type TransformResolver interface {
	Lookup(source, target string, at time.Time) (geometry.Pose, error)
}

// Sink receives validated poses.
type Sink interface {
	Publish(p ValidatedPose) error
}

// MarkerSink receives the landmark view after each map update.
type MarkerSink interface {
	PublishMarkers(markers []landmark.Marker) error
}

// DiagnosticSink receives one status per processed frame.
type DiagnosticSink interface {
	PublishDiagnostic(s DiagnosticStatus) error
}
