// Package tfstatic resolves static transforms between named frames, such as
// the camera mounting offset on the vehicle body.
package tfstatic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tag.localizer/internal/geometry"
)

// ErrFramesNotConnected is returned when no chain of known transforms links
// the requested frames. Callers treat it as transient: the calibration may
// simply not have been published yet.
var ErrFramesNotConnected = errors.New("frames not connected")

type edge struct {
	parent, child string
}

// Buffer is a set of static transforms forming a frame graph. It is safe
// for concurrent use.
type Buffer struct {
	mu         sync.RWMutex
	transforms map[edge]geometry.Pose
	children   map[string][]string
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		transforms: make(map[edge]geometry.Pose),
		children:   make(map[string][]string),
	}
}

// Set records p as the pose of p.Child in p.Frame, replacing any previous
// transform between the same two frames.
func (b *Buffer) Set(p geometry.Pose) error {
	if p.Frame == "" || p.Child == "" {
		return errors.New("static transform needs both frame and child")
	}
	if p.Frame == p.Child {
		return fmt.Errorf("static transform from %q to itself", p.Frame)
	}
	if !p.Valid() {
		return fmt.Errorf("static transform %s->%s is not a valid rigid transform", p.Frame, p.Child)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	fwd := edge{p.Frame, p.Child}
	rev := edge{p.Child, p.Frame}
	if _, ok := b.transforms[fwd]; !ok {
		b.children[p.Frame] = append(b.children[p.Frame], p.Child)
		b.children[p.Child] = append(b.children[p.Child], p.Frame)
	}
	b.transforms[fwd] = p
	b.transforms[rev] = geometry.Inverse(p)
	return nil
}

// Len returns the number of transforms recorded.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.transforms) / 2
}

// Lookup returns the pose of child expressed in parent. Static transforms
// do not vary with time, so at is ignored.
func (b *Buffer) Lookup(parent, child string, _ time.Time) (geometry.Pose, error) {
	if parent == child {
		return geometry.Identity(parent, child), nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, ok := b.transforms[edge{parent, child}]; ok {
		return p, nil
	}

	// Breadth-first search over the frame graph, composing as we go.
	visited := map[string]bool{parent: true}
	queue := []geometry.Pose{geometry.Identity(parent, parent)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range b.children[cur.Child] {
			if visited[next] {
				continue
			}
			visited[next] = true
			step := geometry.Compose(cur, b.transforms[edge{cur.Child, next}])
			if next == child {
				return step, nil
			}
			queue = append(queue, step)
		}
	}
	return geometry.Pose{}, fmt.Errorf("%w: %s -> %s", ErrFramesNotConnected, parent, child)
}
