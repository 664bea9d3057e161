package feed

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/geometry"
	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/monitoring"
)

// Pipeline is the set of entry points events are routed to.
type Pipeline interface {
	HandleMapUpdate(raw []byte) ([]landmark.Marker, error)
	HandleCameraInfo(info correction.CameraInfo)
	HandleReferencePose(p geometry.StampedPose)
	HandleDetections(f correction.Frame) correction.FrameResult
}

// TransformStore receives static transforms.
type TransformStore interface {
	Set(p geometry.Pose) error
}

// Dispatcher decodes feed lines and routes them to a Pipeline.
type Dispatcher struct {
	Pipeline   Pipeline
	Transforms TransformStore

	// OnFrame, when set, is called with the result of every detections event.
	OnFrame func(correction.FrameResult)
	// OnMapUpdate, when set, is called after a map update was installed.
	OnMapUpdate func(markers []landmark.Marker)

	events       atomic.Uint64
	decodeErrors atomic.Uint64
}

// Events returns the number of events dispatched.
func (d *Dispatcher) Events() uint64 { return d.events.Load() }

// DecodeErrors returns the number of lines that could not be decoded.
func (d *Dispatcher) DecodeErrors() uint64 { return d.decodeErrors.Load() }

// HandleLine decodes and dispatches a single line. Blank lines are ignored.
func (d *Dispatcher) HandleLine(line string) error {
	if len(line) == 0 {
		return nil
	}
	ev, err := Decode([]byte(line))
	if err != nil {
		d.decodeErrors.Add(1)
		return err
	}
	return d.Dispatch(ev)
}

// Dispatch routes one decoded event.
func (d *Dispatcher) Dispatch(ev Event) error {
	d.events.Add(1)
	switch ev.Type {
	case EventTypeDetections:
		res := d.Pipeline.HandleDetections(ev.Frame)
		if d.OnFrame != nil {
			d.OnFrame(res)
		}
	case EventTypeReferencePose:
		d.Pipeline.HandleReferencePose(ev.Pose)
	case EventTypeCameraInfo:
		d.Pipeline.HandleCameraInfo(ev.CameraInfo)
	case EventTypeMapUpdate:
		markers, err := d.Pipeline.HandleMapUpdate(ev.Map)
		if err != nil {
			return err
		}
		if d.OnMapUpdate != nil {
			d.OnMapUpdate(markers)
		}
	case EventTypeStaticTransform:
		if d.Transforms == nil {
			return errors.New("static transform received but no transform store configured")
		}
		return d.Transforms.Set(ev.Transform)
	default:
		return ErrUnknownEventType
	}
	return nil
}

// Run dispatches lines until the channel is closed or ctx is done. Bad
// lines are logged and skipped; they never stop the loop.
func (d *Dispatcher) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := d.HandleLine(line); err != nil {
				monitoring.Logf("feed: dropping event: %v", err)
			}
		}
	}
}
