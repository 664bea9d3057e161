// Package gate decides whether a candidate pose may be published.
//
// Each filter is a pure predicate over explicit inputs. A Gate runs its
// filters in order and stops at the first rejection, so later (and more
// expensive) filters never see a candidate an earlier one already refused.
package gate

import (
	"fmt"
	"time"

	"github.com/banshee-data/tag.localizer/internal/geometry"
)

// Filter names, used as counter labels and in rejection reasons.
const (
	FilterTargetSet        = "target_set"
	FilterLandmarkPresence = "landmark_presence"
	FilterRange            = "range"
	FilterFreshness        = "freshness"
	FilterPlausibility     = "plausibility"
)

// Verdict is the outcome of one filter, or of a whole gate.
type Verdict struct {
	Accepted bool
	// Filter names the filter that produced the verdict. For an accepting
	// gate it is empty.
	Filter string
	// Reason is a human-readable explanation for rejections.
	Reason string
}

// Accept returns an accepting verdict for filter.
func Accept(filter string) Verdict {
	return Verdict{Accepted: true, Filter: filter}
}

// Reject returns a rejecting verdict with a formatted reason.
func Reject(filter, format string, args ...interface{}) Verdict {
	return Verdict{Filter: filter, Reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) String() string {
	if v.Accepted {
		return "accepted"
	}
	return fmt.Sprintf("rejected by %s: %s", v.Filter, v.Reason)
}

// Candidate carries the inputs the filters look at for one detection.
// Fields are filled in as the pipeline progresses; a filter only reads the
// fields it needs.
type Candidate struct {
	TagID       string
	Stamp       time.Time
	SensorToTag geometry.Pose

	// MapToBody is the composed vehicle pose, set before the freshness and
	// plausibility filters run.
	MapToBody geometry.Pose

	Reference    geometry.StampedPose
	HasReference bool
}

// Filter is one accept/reject step of a gate.
type Filter interface {
	Name() string
	Check(c *Candidate) Verdict
}

// Observer is notified of every filter evaluation.
type Observer interface {
	Observe(v Verdict)
}

// Gate is an ordered, short-circuiting sequence of filters.
type Gate struct {
	filters  []Filter
	observer Observer
}

// New returns a gate running filters in the given order.
func New(filters ...Filter) *Gate {
	return &Gate{filters: filters}
}

// WithObserver sets the observer notified of each evaluation and returns g.
func (g *Gate) WithObserver(o Observer) *Gate {
	g.observer = o
	return g
}

// Filters returns the names of the gate's filters in evaluation order.
func (g *Gate) Filters() []string {
	names := make([]string, len(g.filters))
	for i, f := range g.filters {
		names[i] = f.Name()
	}
	return names
}

// Evaluate runs the filters in order and returns the first rejection, or an
// accepting verdict when every filter passes.
func (g *Gate) Evaluate(c *Candidate) Verdict {
	for _, f := range g.filters {
		v := f.Check(c)
		if v.Filter == "" {
			v.Filter = f.Name()
		}
		if g.observer != nil {
			g.observer.Observe(v)
		}
		if !v.Accepted {
			return v
		}
	}
	return Verdict{Accepted: true}
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc struct {
	FilterName string
	Fn         func(c *Candidate) Verdict
}

func (f FilterFunc) Name() string               { return f.FilterName }
func (f FilterFunc) Check(c *Candidate) Verdict { return f.Fn(c) }
