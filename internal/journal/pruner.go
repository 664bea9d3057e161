package journal

import (
	"context"
	"time"

	"github.com/banshee-data/tag.localizer/internal/timeutil"
)

// RunPruner deletes journal rows recorded more than retention ago every
// interval until ctx is done.
func (db *DB) RunPruner(ctx context.Context, clock timeutil.Clock, interval, retention time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			n, err := db.Prune(now.Add(-retention))
			if err != nil {
				journalf("prune failed: %v", err)
				continue
			}
			if n > 0 {
				journalf("pruned %d rows recorded more than %s ago", n, retention)
			}
		}
	}
}
