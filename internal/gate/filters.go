package gate

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tag.localizer/internal/geometry"
)

// TrustedSet is the set of tag ids used to correct the vehicle pose.
type TrustedSet map[string]struct{}

// NewTrustedSet builds a TrustedSet from a list of ids.
func NewTrustedSet(ids ...string) TrustedSet {
	s := make(TrustedSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is trusted.
func (s TrustedSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the trusted ids in sorted order.
func (s TrustedSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Landmarks is the lookup the presence filter consults.
type Landmarks interface {
	Lookup(id string) (geometry.Pose, bool)
}

// TargetSet rejects tags that are not trusted for localisation.
func TargetSet(tagID string, trusted TrustedSet) Verdict {
	if !trusted.Contains(tagID) {
		return Reject(FilterTargetSet, "tag_id(%s) is not in target_tag_ids", tagID)
	}
	return Accept(FilterTargetSet)
}

// LandmarkPresence rejects tags without an entry in the landmark map.
func LandmarkPresence(tagID string, landmarks Landmarks) Verdict {
	if landmarks == nil {
		return Reject(FilterLandmarkPresence, "no landmark map loaded")
	}
	if _, ok := landmarks.Lookup(tagID); !ok {
		return Reject(FilterLandmarkPresence, "tag_id(%s) is not in landmark map", tagID)
	}
	return Accept(FilterLandmarkPresence)
}

// Range rejects detections whose squared sensor-tag distance exceeds
// thresholdSquared. A distance exactly at the threshold passes.
func Range(sensorToTag r3.Vec, thresholdSquared float64) Verdict {
	d2 := r3.Norm2(sensorToTag)
	if d2 > thresholdSquared {
		return Reject(FilterRange, "tag at %.3fm is beyond %.3fm", math.Sqrt(d2), math.Sqrt(thresholdSquared))
	}
	return Accept(FilterRange)
}

// Freshness rejects detections whose stamp differs from the reference pose
// stamp by more than tolerance, and all detections while no reference pose
// has been received.
func Freshness(stamp time.Time, ref geometry.StampedPose, hasRef bool, tolerance time.Duration) Verdict {
	if !hasRef {
		return Reject(FilterFreshness, "no reference pose received")
	}
	dt := stamp.Sub(ref.Stamp)
	if dt < 0 {
		dt = -dt
	}
	if dt > tolerance {
		return Reject(FilterFreshness,
			"reference pose stamp %s differs from detection stamp %s by %v (tolerance %v)",
			ref.Stamp.Format(time.RFC3339Nano), stamp.Format(time.RFC3339Nano), dt, tolerance)
	}
	return Accept(FilterFreshness)
}

// Plausibility rejects candidates further than tolerance from the
// reference position. A candidate at the reference position always passes.
func Plausibility(candidate, reference r3.Vec, tolerance float64) Verdict {
	d := r3.Norm(r3.Sub(candidate, reference))
	if d > tolerance {
		return Reject(FilterPlausibility,
			"candidate (%.3f, %.3f, %.3f) is %.3fm from reference (%.3f, %.3f, %.3f), tolerance %.3fm",
			candidate.X, candidate.Y, candidate.Z, d, reference.X, reference.Y, reference.Z, tolerance)
	}
	return Accept(FilterPlausibility)
}

// TargetSetFilter applies TargetSet to a candidate.
type TargetSetFilter struct {
	Trusted TrustedSet
}

func (TargetSetFilter) Name() string { return FilterTargetSet }

func (f TargetSetFilter) Check(c *Candidate) Verdict {
	return TargetSet(c.TagID, f.Trusted)
}

// LandmarkPresenceFilter applies LandmarkPresence against a fixed snapshot.
type LandmarkPresenceFilter struct {
	Landmarks Landmarks
}

func (LandmarkPresenceFilter) Name() string { return FilterLandmarkPresence }

func (f LandmarkPresenceFilter) Check(c *Candidate) Verdict {
	return LandmarkPresence(c.TagID, f.Landmarks)
}

// RangeFilter applies Range to the candidate's sensor-frame detection.
type RangeFilter struct {
	ThresholdSquared float64
}

func (RangeFilter) Name() string { return FilterRange }

func (f RangeFilter) Check(c *Candidate) Verdict {
	return Range(c.SensorToTag.Translation, f.ThresholdSquared)
}

// FreshnessFilter applies Freshness to the candidate's reference pose.
type FreshnessFilter struct {
	Tolerance time.Duration
}

func (FreshnessFilter) Name() string { return FilterFreshness }

func (f FreshnessFilter) Check(c *Candidate) Verdict {
	return Freshness(c.Stamp, c.Reference, c.HasReference, f.Tolerance)
}

// PlausibilityFilter applies Plausibility to the composed map pose.
type PlausibilityFilter struct {
	Tolerance float64
}

func (PlausibilityFilter) Name() string { return FilterPlausibility }

func (f PlausibilityFilter) Check(c *Candidate) Verdict {
	if !c.HasReference {
		return Reject(FilterPlausibility, "no reference pose received")
	}
	return Plausibility(c.MapToBody.Translation, c.Reference.Translation, f.Tolerance)
}
