// Package refpose holds the most recent pose published by the external
// state estimator.
package refpose

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/tag.localizer/internal/geometry"
)

// Cache is a single-slot, last-write-wins cell. Each Update stores a fresh
// copy behind an atomic pointer, so a reader sees either the old or the new
// pose in full, never a mix of the two.
type Cache struct {
	latest  atomic.Pointer[geometry.StampedPose]
	updates atomic.Uint64
}

// Update replaces the cached pose.
func (c *Cache) Update(p geometry.StampedPose) {
	c.latest.Store(&p)
	c.updates.Add(1)
}

// Read returns the cached pose and false when nothing has been received yet.
func (c *Cache) Read() (geometry.StampedPose, bool) {
	p := c.latest.Load()
	if p == nil {
		return geometry.StampedPose{}, false
	}
	return *p, true
}

// Age reports how old the cached pose is relative to now.
func (c *Cache) Age(now time.Time) (time.Duration, bool) {
	p := c.latest.Load()
	if p == nil {
		return 0, false
	}
	return now.Sub(p.Stamp), true
}

// Updates returns the number of poses received since start.
func (c *Cache) Updates() uint64 {
	return c.updates.Load()
}
