package correction

import (
	"sync/atomic"

	"github.com/banshee-data/tag.localizer/internal/gate"
)

// Stats counts what the pipeline did. It is the gate observer, so every
// filter evaluation is counted as a check and every rejection against the
// filter that made it.
type Stats struct {
	frames            atomic.Uint64
	framesNotReady    atomic.Uint64
	detections        atomic.Uint64
	accepted          atomic.Uint64
	transformFailures atomic.Uint64
	publishErrors     atomic.Uint64
	mapUpdates        atomic.Uint64
	mapErrors         atomic.Uint64
	referenceUpdates  atomic.Uint64
	referenceInvalid  atomic.Uint64
	cameraInfoIgnored atomic.Uint64
	lastDetected      atomic.Int64

	// Built once; only the counters they point to change.
	checks   map[string]*atomic.Uint64
	rejected map[string]*atomic.Uint64
}

// AllFilters lists the gate filters in evaluation order.
var AllFilters = []string{
	gate.FilterTargetSet,
	gate.FilterLandmarkPresence,
	gate.FilterRange,
	gate.FilterFreshness,
	gate.FilterPlausibility,
}

// NewStats returns zeroed counters for the given filter names.
func NewStats(filters ...string) *Stats {
	s := &Stats{
		checks:   make(map[string]*atomic.Uint64, len(filters)),
		rejected: make(map[string]*atomic.Uint64, len(filters)),
	}
	for _, f := range filters {
		s.checks[f] = new(atomic.Uint64)
		s.rejected[f] = new(atomic.Uint64)
	}
	return s
}

// Observe implements gate.Observer. Verdicts from unknown filters are ignored.
func (s *Stats) Observe(v gate.Verdict) {
	if c, ok := s.checks[v.Filter]; ok {
		c.Add(1)
	}
	if v.Accepted {
		return
	}
	if r, ok := s.rejected[v.Filter]; ok {
		r.Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Frames            uint64            `json:"frames"`
	FramesNotReady    uint64            `json:"frames_not_ready"`
	Detections        uint64            `json:"detections"`
	Accepted          uint64            `json:"accepted"`
	TransformFailures uint64            `json:"transform_failures"`
	PublishErrors     uint64            `json:"publish_errors"`
	MapUpdates        uint64            `json:"map_updates"`
	MapErrors         uint64            `json:"map_errors"`
	ReferenceUpdates  uint64            `json:"reference_updates"`
	ReferenceInvalid  uint64            `json:"reference_invalid"`
	CameraInfoIgnored uint64            `json:"camera_info_ignored"`
	LastDetected      int64             `json:"last_detected"`
	Checks            map[string]uint64 `json:"checks"`
	Rejections        map[string]uint64 `json:"rejections"`
}

// Rejected returns the total of all gate rejections.
func (s StatsSnapshot) Rejected() uint64 {
	var n uint64
	for _, v := range s.Rejections {
		n += v
	}
	return n
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Frames:            s.frames.Load(),
		FramesNotReady:    s.framesNotReady.Load(),
		Detections:        s.detections.Load(),
		Accepted:          s.accepted.Load(),
		TransformFailures: s.transformFailures.Load(),
		PublishErrors:     s.publishErrors.Load(),
		MapUpdates:        s.mapUpdates.Load(),
		MapErrors:         s.mapErrors.Load(),
		ReferenceUpdates:  s.referenceUpdates.Load(),
		ReferenceInvalid:  s.referenceInvalid.Load(),
		CameraInfoIgnored: s.cameraInfoIgnored.Load(),
		LastDetected:      s.lastDetected.Load(),
		Checks:            make(map[string]uint64, len(s.checks)),
		Rejections:        make(map[string]uint64, len(s.rejected)),
	}
	for f, c := range s.checks {
		out.Checks[f] = c.Load()
	}
	for f, c := range s.rejected {
		out.Rejections[f] = c.Load()
	}
	return out
}
