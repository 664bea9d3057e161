// Package correction turns tag detections into validated vehicle poses.
//
// A Pipeline owns the landmark snapshot, the latest reference pose from the
// external estimator and the camera readiness state. Each detection is
// checked against the trusted set, the landmark map and the range limit,
// composed into a map-frame body pose, checked for freshness and
// plausibility against the reference, given a range-scaled covariance and
// published. Every drop is counted; none is an error.
package correction

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tag.localizer/internal/config"
	"github.com/banshee-data/tag.localizer/internal/gate"
	"github.com/banshee-data/tag.localizer/internal/geometry"
	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/refpose"
	"github.com/banshee-data/tag.localizer/internal/timeutil"
	"github.com/banshee-data/tag.localizer/internal/uncertainty"
)

// DefaultNodeName names the diagnostic status when Options.NodeName is empty.
const DefaultNodeName = "tag_localizer"

// Options configures a Pipeline. Resolver is required; the sinks are
// optional and results are always returned from HandleDetections as well.
type Options struct {
	NodeName  string
	MapFrame  string
	BodyFrame string
	Family    string

	TrustedIDs               []string
	DistanceThresholdSquared float64
	TimeTolerance            time.Duration
	PositionTolerance        float64
	BaseCovariance           uncertainty.Covariance

	Resolver    TransformResolver
	Sink        Sink
	Markers     MarkerSink
	Diagnostics DiagnosticSink

	// Landmarks and Reference may be shared with other readers. New
	// allocates them when nil.
	Landmarks *landmark.Store
	Reference *refpose.Cache
	Clock     timeutil.Clock
}

// OptionsFromConfig fills the tunable fields of Options from cfg.
func OptionsFromConfig(cfg *config.LocalizerConfig) Options {
	return Options{
		MapFrame:                 cfg.GetMapFrame(),
		BodyFrame:                cfg.GetBodyFrame(),
		Family:                   cfg.GetTagFamily(),
		TrustedIDs:               cfg.GetTargetTagIDs(),
		DistanceThresholdSquared: cfg.GetDistanceThresholdSquared(),
		TimeTolerance:            cfg.GetEKFTimeTolerance(),
		PositionTolerance:        cfg.GetEKFPositionTolerance(),
		BaseCovariance:           cfg.GetBaseCovariance(),
	}
}

// Pipeline is the correction orchestrator. Handle* methods may be called
// from different goroutines; detections within one frame are processed
// sequentially.
type Pipeline struct {
	name      string
	mapFrame  string
	bodyFrame string
	family    string

	trusted          gate.TrustedSet
	thresholdSquared float64
	base             uncertainty.Covariance
	post             *gate.Gate

	resolver    TransformResolver
	sink        Sink
	markers     MarkerSink
	diagnostics DiagnosticSink

	landmarks *landmark.Store
	reference *refpose.Cache
	clock     timeutil.Clock
	readiness atomic.Int32
	stats     *Stats
}

// New validates opts and returns a pipeline in the NotReady state.
func New(opts Options) (*Pipeline, error) {
	if opts.Resolver == nil {
		return nil, errors.New("correction: transform resolver is required")
	}
	if opts.MapFrame == "" || opts.BodyFrame == "" {
		return nil, errors.New("correction: map and body frames are required")
	}
	if opts.DistanceThresholdSquared <= 0 {
		return nil, fmt.Errorf("correction: distance threshold must be positive, got %f", opts.DistanceThresholdSquared)
	}
	if opts.TimeTolerance < 0 || opts.PositionTolerance < 0 {
		return nil, errors.New("correction: tolerances must be non-negative")
	}
	if err := opts.BaseCovariance.Validate(); err != nil {
		return nil, fmt.Errorf("correction: base covariance: %w", err)
	}
	if opts.NodeName == "" {
		opts.NodeName = DefaultNodeName
	}
	if opts.Family == "" {
		opts.Family = landmark.DefaultFamily
	}
	if opts.Landmarks == nil {
		opts.Landmarks = &landmark.Store{}
	}
	if opts.Reference == nil {
		opts.Reference = &refpose.Cache{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	p := &Pipeline{
		name:             "localization: " + opts.NodeName,
		mapFrame:         opts.MapFrame,
		bodyFrame:        opts.BodyFrame,
		family:           opts.Family,
		trusted:          gate.NewTrustedSet(opts.TrustedIDs...),
		thresholdSquared: opts.DistanceThresholdSquared,
		base:             opts.BaseCovariance,
		resolver:         opts.Resolver,
		sink:             opts.Sink,
		markers:          opts.Markers,
		diagnostics:      opts.Diagnostics,
		landmarks:        opts.Landmarks,
		reference:        opts.Reference,
		clock:            opts.Clock,
		stats:            NewStats(AllFilters...),
	}
	p.post = gate.New(
		gate.FreshnessFilter{Tolerance: opts.TimeTolerance},
		gate.PlausibilityFilter{Tolerance: opts.PositionTolerance},
	).WithObserver(p.stats)

	opsf("configured %s: trusted=%v family=%s map=%s body=%s", p.name, p.trusted.IDs(), p.family, p.mapFrame, p.bodyFrame)
	return p, nil
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Readiness reports whether detections are currently processed.
func (p *Pipeline) Readiness() Readiness { return Readiness(p.readiness.Load()) }

// Landmarks returns the current landmark snapshot, nil before the first map.
func (p *Pipeline) Landmarks() *landmark.Map { return p.landmarks.Load() }

// Reference returns the latest reference pose.
func (p *Pipeline) Reference() (geometry.StampedPose, bool) { return p.reference.Read() }

// HandleMapUpdate builds a landmark snapshot from raw and installs it. On
// error the previous snapshot stays in place.
func (p *Pipeline) HandleMapUpdate(raw []byte) ([]landmark.Marker, error) {
	m, err := landmark.Build(raw, p.family)
	if err != nil {
		p.stats.mapErrors.Add(1)
		opsf("map update rejected, keeping previous landmarks: %v", err)
		return nil, fmt.Errorf("map update: %w", err)
	}
	p.landmarks.Swap(m)
	p.stats.mapUpdates.Add(1)
	opsf("landmark snapshot %s installed: %d markers, %d skipped", m.SnapshotID, m.Len(), m.Skipped)

	markers := m.Markers()
	if p.markers != nil {
		if err := p.markers.PublishMarkers(markers); err != nil {
			opsf("failed to publish landmark markers: %v", err)
		}
	}
	return markers, nil
}

// HandleCameraInfo makes the pipeline Ready on the first valid intrinsics.
// Later intrinsics are ignored.
func (p *Pipeline) HandleCameraInfo(info CameraInfo) {
	if !info.Valid() {
		diagf("ignoring invalid camera info %dx%d", info.Width, info.Height)
		return
	}
	if p.readiness.CompareAndSwap(int32(NotReady), int32(Ready)) {
		opsf("camera info received (%dx%d), pipeline ready", info.Width, info.Height)
		return
	}
	p.stats.cameraInfoIgnored.Add(1)
}

// HandleReferencePose caches the external estimator's latest pose.
func (p *Pipeline) HandleReferencePose(pose geometry.StampedPose) {
	if !pose.Valid() || pose.Stamp.IsZero() {
		p.stats.referenceInvalid.Add(1)
		diagf("ignoring invalid reference pose %v", pose.Pose)
		return
	}
	if pose.Frame != p.mapFrame {
		p.stats.referenceInvalid.Add(1)
		diagf("ignoring reference pose in frame %q, want %q", pose.Frame, p.mapFrame)
		return
	}
	p.reference.Update(pose)
	p.stats.referenceUpdates.Add(1)
}

// HandleDetections runs every detection of f through the pipeline.
func (p *Pipeline) HandleDetections(f Frame) FrameResult {
	res := FrameResult{Stamp: f.Stamp, Readiness: p.Readiness(), Detected: len(f.Detections)}
	if res.Readiness != Ready {
		p.stats.framesNotReady.Add(1)
		diagf("camera info not received, dropping frame with %d detections", len(f.Detections))
		return res
	}
	p.stats.frames.Add(1)
	p.stats.detections.Add(uint64(len(f.Detections)))
	p.stats.lastDetected.Store(int64(len(f.Detections)))

	// One snapshot of the shared state per frame.
	snap := p.landmarks.Load()
	var landmarks gate.Landmarks
	if snap != nil {
		landmarks = snap
	}
	ref, hasRef := p.reference.Read()
	pre := gate.New(
		gate.TargetSetFilter{Trusted: p.trusted},
		gate.LandmarkPresenceFilter{Landmarks: landmarks},
		gate.RangeFilter{ThresholdSquared: p.thresholdSquared},
	).WithObserver(p.stats)

	for _, d := range f.Detections {
		if d.Stamp.IsZero() {
			d.Stamp = f.Stamp
		}
		if d.SensorFrame == "" {
			d.SensorFrame = f.SensorFrame
		}
		out, vp := p.process(d, pre, snap, ref, hasRef)
		res.Outcomes = append(res.Outcomes, out)
		if vp != nil {
			res.Published = append(res.Published, *vp)
		}
	}

	diag := p.diagnostic(len(f.Detections))
	res.Diagnostic = &diag
	if p.diagnostics != nil {
		if err := p.diagnostics.PublishDiagnostic(diag); err != nil {
			opsf("failed to publish diagnostic: %v", err)
		}
	}
	return res
}

func (p *Pipeline) process(d Detection, pre *gate.Gate, snap *landmark.Map, ref geometry.StampedPose, hasRef bool) (Outcome, *ValidatedPose) {
	distance := r3.Norm(d.Pose.Translation)
	out := Outcome{TagID: d.TagID, Stamp: d.Stamp, Distance: distance}
	c := &gate.Candidate{
		TagID:        d.TagID,
		Stamp:        d.Stamp,
		SensorToTag:  d.Pose,
		Reference:    ref,
		HasReference: hasRef,
	}

	if v := pre.Evaluate(c); !v.Accepted {
		diagf("tag %s dropped: %s", d.TagID, v)
		out.Stage, out.Reason = v.Filter, v.Reason
		return out, nil
	}

	mapToTag, _ := snap.Lookup(d.TagID)
	sensorToBody, err := p.resolver.Lookup(d.SensorFrame, p.bodyFrame, d.Stamp)
	if err != nil {
		p.stats.transformFailures.Add(1)
		diagf("tag %s dropped: cannot resolve %s -> %s: %v", d.TagID, d.SensorFrame, p.bodyFrame, err)
		out.Stage, out.Reason = StageTransform, err.Error()
		return out, nil
	}
	candidate := geometry.ComposeMapToBody(mapToTag, d.Pose, sensorToBody)
	candidate.Frame, candidate.Child = p.mapFrame, p.bodyFrame
	c.MapToBody = candidate
	out.Candidate = &candidate

	if v := p.post.Evaluate(c); !v.Accepted {
		diagf("tag %s dropped: %s", d.TagID, v)
		out.Stage, out.Reason = v.Filter, v.Reason
		return out, nil
	}

	vp := ValidatedPose{
		ID:          uuid.NewString(),
		StampedPose: geometry.StampedPose{Pose: candidate, Stamp: d.Stamp},
		Covariance:  uncertainty.Scale(distance, p.base),
		TagID:       d.TagID,
		SnapshotID:  snap.SnapshotID,
		Distance:    distance,
		Coefficient: uncertainty.Coefficient(distance),
	}
	if p.sink != nil {
		if err := p.sink.Publish(vp); err != nil {
			p.stats.publishErrors.Add(1)
			opsf("failed to publish pose from tag %s: %v", d.TagID, err)
			out.Stage, out.Reason = StagePublish, err.Error()
			return out, nil
		}
	}
	p.stats.accepted.Add(1)
	tracef("tag %s accepted: d=%.3fm coeff=%.3f pose=%v", d.TagID, distance, vp.Coefficient, candidate)
	out.Published = true
	return out, &vp
}

func (p *Pipeline) diagnostic(detected int) DiagnosticStatus {
	s := DiagnosticStatus{
		Name:   p.name,
		Values: map[string]string{DiagnosticKeyDetected: fmt.Sprint(detected)},
		Stamp:  p.clock.Now(),
	}
	if detected > 0 {
		s.Level = DiagnosticOK
		s.Message = fmt.Sprintf("AR tags detected. The number of tags: %d", detected)
	} else {
		s.Level = DiagnosticWarn
		s.Message = "No AR tags detected."
	}
	return s
}

// Status is a point-in-time view of the pipeline for status endpoints.
type Status struct {
	Readiness    Readiness     `json:"readiness"`
	SnapshotID   string        `json:"snapshot_id,omitempty"`
	Landmarks    int           `json:"landmarks"`
	HasReference bool          `json:"has_reference"`
	ReferenceAge time.Duration `json:"reference_age_ns,omitempty"`
	Stats        StatsSnapshot `json:"stats"`
}

// Status reports readiness, the current snapshot and the counters.
func (p *Pipeline) Status() Status {
	s := Status{Readiness: p.Readiness(), Stats: p.stats.Snapshot()}
	if m := p.landmarks.Load(); m != nil {
		s.SnapshotID = m.SnapshotID
		s.Landmarks = m.Len()
	}
	if age, ok := p.reference.Age(p.clock.Now()); ok {
		s.HasReference = true
		s.ReferenceAge = age
	}
	return s
}
