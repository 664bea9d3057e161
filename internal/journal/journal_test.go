package journal

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/gate"
	"github.com/banshee-data/tag.localizer/internal/geometry"
	"github.com/banshee-data/tag.localizer/internal/testutil"
	"github.com/banshee-data/tag.localizer/internal/timeutil"
	"github.com/banshee-data/tag.localizer/internal/uncertainty"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func validated(id, tag string, stamp time.Time, x float64) correction.ValidatedPose {
	return correction.ValidatedPose{
		ID: id,
		StampedPose: geometry.StampedPose{
			Pose:  geometry.NewPose("map", "base_link", r3.Vec{X: x, Z: -2}, quat.Number{Real: 1}),
			Stamp: stamp,
		},
		Covariance:  uncertainty.Scale(10, uncertainty.Diagonal(0.2, 0.02)),
		TagID:       tag,
		SnapshotID:  "snap-1",
		Distance:    10,
		Coefficient: 8,
	}
}

func count(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestOpen_MigratesToLatest(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	version, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	version, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, db.MigrateUp(MigrationsFS()))
	require.NoError(t, db.MigrateUp(MigrationsFS()), "second MigrateUp is a no-op")
}

func TestRecordMapSnapshot(t *testing.T) {
	db := openTestDB(t)
	m := testutil.MustLandmarkMap(t, testutil.SquareTag{ID: "0", X: 10})

	require.NoError(t, db.RecordMapSnapshot(m))
	require.NoError(t, db.RecordMapSnapshot(m))
	require.NoError(t, db.RecordMapSnapshot(nil))
	assert.Equal(t, 1, count(t, db, "map_snapshots"))

	var markers string
	var n int
	require.NoError(t, db.QueryRow(`SELECT landmarks, markers_json FROM map_snapshots WHERE snapshot_id = ?`, m.SnapshotID).Scan(&n, &markers))
	assert.Equal(t, 1, n)
	assert.Contains(t, markers, `"id":"0"`)

	latest, err := db.LatestMapSnapshot()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, m.SnapshotID, latest.SnapshotID)
	require.Len(t, latest.Markers, 1)
	assert.InDelta(t, 10.0, latest.Markers[0].T[0], 1e-9)
}

func TestLatestMapSnapshot_Empty(t *testing.T) {
	db := openTestDB(t)
	latest, err := db.LatestMapSnapshot()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRecordCorrection_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordCorrection(validated("a", "0", t0, 10)))
	require.NoError(t, db.RecordCorrection(validated("b", "1", t0.Add(time.Second), 20)))

	got, err := db.RecentCorrections(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "newest first")
	assert.Equal(t, 20.0, got[0].X)
	assert.True(t, got[1].Stamp.Equal(t0))
	assert.Equal(t, uncertainty.Scale(10, uncertainty.Diagonal(0.2, 0.02)), got[1].Covariance)
	assert.Equal(t, [4]float64{1, 0, 0, 0}, got[1].Rotation)

	limited, err := db.RecentCorrections(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.Error(t, db.RecordCorrection(validated("a", "0", t0, 10)), "duplicate id")
}

func TestRecordFrame(t *testing.T) {
	db := openTestDB(t)
	res := correction.FrameResult{
		Stamp:     t0,
		Published: []correction.ValidatedPose{validated("c", "0", t0, 10)},
		Outcomes: []correction.Outcome{
			{TagID: "0", Published: true, Distance: 10},
			{TagID: "1", Stage: gate.FilterRange, Reason: "too far", Distance: 14},
			{TagID: "2", Stage: gate.FilterRange, Reason: "too far", Distance: 15},
			{TagID: "3", Stage: gate.FilterPlausibility, Reason: "jump", Distance: 3},
		},
	}
	require.NoError(t, db.RecordFrame(res))
	require.NoError(t, db.RecordFrame(correction.FrameResult{Stamp: t0}))

	assert.Equal(t, 1, count(t, db, "corrections"))
	assert.Equal(t, 3, count(t, db, "rejections"))

	summary, err := db.RejectionSummary(t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []RejectionCount{
		{Stage: gate.FilterRange, Count: 2},
		{Stage: gate.FilterPlausibility, Count: 1},
	}, summary)

	later, err := db.RejectionSummary(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestRecordFrame_RejectionUsesDetectionStamp(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordFrame(correction.FrameResult{
		Stamp: t0,
		Outcomes: []correction.Outcome{
			{TagID: "1", Stamp: t0.Add(-30 * time.Second), Stage: gate.FilterFreshness},
			{TagID: "2", Stage: gate.FilterRange},
		},
	}))

	summary, err := db.RejectionSummary(t0.Add(-10 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []RejectionCount{{Stage: gate.FilterRange, Count: 1}}, summary)

	summary, err = db.RejectionSummary(t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, summary, 2)
}

func TestRecordFrame_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordCorrection(validated("dup", "0", t0, 10)))

	err := db.RecordFrame(correction.FrameResult{
		Stamp:     t0,
		Published: []correction.ValidatedPose{validated("dup", "0", t0, 10)},
		Outcomes: []correction.Outcome{
			{TagID: "0", Published: true},
			{TagID: "1", Stage: gate.FilterRange},
		},
	})
	require.Error(t, err)
	assert.Equal(t, 0, count(t, db, "rejections"))
}

func TestPrune(t *testing.T) {
	db := openTestDB(t)
	clock := timeutil.NewMockClock(t0.Add(-2 * time.Hour))
	db.SetClock(clock)
	require.NoError(t, db.RecordCorrection(validated("old", "0", t0.Add(-2*time.Hour), 10)))
	require.NoError(t, db.RecordRejection(Rejection{TagID: "1", Stamp: t0.Add(-2 * time.Hour), Stage: gate.FilterRange}))

	clock.Set(t0)
	require.NoError(t, db.RecordCorrection(validated("new", "0", t0, 10)))

	n, err := db.Prune(t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, count(t, db, "corrections"))
	assert.Equal(t, 0, count(t, db, "rejections"))
}

func TestPrune_KeepsReplayedHistory(t *testing.T) {
	db := openTestDB(t)
	db.SetClock(timeutil.NewMockClock(t0))

	// A recording from last year, replayed now.
	recorded := t0.AddDate(-1, 0, 0)
	require.NoError(t, db.RecordFrame(correction.FrameResult{
		Stamp:     recorded,
		Published: []correction.ValidatedPose{validated("replayed", "0", recorded, 10)},
		Outcomes: []correction.Outcome{
			{TagID: "0", Stamp: recorded, Published: true},
			{TagID: "1", Stamp: recorded, Stage: gate.FilterRange},
		},
	}))

	n, err := db.Prune(t0.Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, count(t, db, "corrections"))
	assert.Equal(t, 1, count(t, db, "rejections"))
}

func TestRunPruner(t *testing.T) {
	db := openTestDB(t)
	clock := timeutil.NewMockClock(t0)
	db.SetClock(clock)
	require.NoError(t, db.RecordCorrection(validated("old", "0", t0.Add(-2*time.Hour), 10)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		db.RunPruner(ctx, clock, time.Minute, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return count(t, db, "corrections") == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordCorrection(validated("a", "0", t0, 10)))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "SQLite format 3"))
}
