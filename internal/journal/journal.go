// Package journal keeps a sqlite record of landmark snapshots, published
// corrections and rejected detections for offline review.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/monitoring"
	"github.com/banshee-data/tag.localizer/internal/timeutil"
	"github.com/banshee-data/tag.localizer/internal/uncertainty"
)

var journalf = monitoring.Prefixed("[journal] ")

// DB is the journal database.
type DB struct {
	*sql.DB
	path string
	// clock stamps rows with their insertion time, which retention is
	// measured against.
	clock timeutil.Clock
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// OpenDB opens the sqlite file at path and applies the connection pragmas
// without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return &DB{DB: db, path: path, clock: timeutil.RealClock{}}, nil
}

// SetClock replaces the clock used to stamp insertion times.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

// Open opens the journal at path and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MarkerRecord is a landmark as stored with its snapshot. Q is (w, x, y, z).
type MarkerRecord struct {
	ID string     `json:"id"`
	T  [3]float64 `json:"t"`
	Q  [4]float64 `json:"q"`
}

// RecordMapSnapshot stores a landmark snapshot. Recording the same snapshot
// twice is a no-op.
func (db *DB) RecordMapSnapshot(m *landmark.Map) error {
	if m == nil {
		return nil
	}
	markers := m.Markers()
	rows := make([]MarkerRecord, len(markers))
	for i, mk := range markers {
		p := mk.Pose
		rows[i] = MarkerRecord{
			ID: mk.ID,
			T:  [3]float64{p.Translation.X, p.Translation.Y, p.Translation.Z},
			Q:  [4]float64{p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag},
		}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT OR IGNORE INTO map_snapshots (
			snapshot_id, family, landmarks, skipped, built_at_unix_nanos, markers_json
		) VALUES (?, ?, ?, ?, ?, ?)`,
		m.SnapshotID, m.Family, m.Len(), m.Skipped, m.BuiltAt.UnixNano(), string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to record map snapshot %s: %w", m.SnapshotID, err)
	}
	return nil
}

// SnapshotRecord is a stored landmark snapshot.
type SnapshotRecord struct {
	SnapshotID string         `json:"snapshot_id"`
	Family     string         `json:"family"`
	BuiltAt    time.Time      `json:"built_at"`
	Skipped    int            `json:"skipped"`
	Markers    []MarkerRecord `json:"markers"`
}

// LatestMapSnapshot returns the most recently built snapshot, or nil if
// none has been recorded.
func (db *DB) LatestMapSnapshot() (*SnapshotRecord, error) {
	var (
		rec     SnapshotRecord
		builtAt int64
		markers string
	)
	err := db.QueryRow(
		`SELECT snapshot_id, family, skipped, built_at_unix_nanos, markers_json
		FROM map_snapshots ORDER BY built_at_unix_nanos DESC LIMIT 1`,
	).Scan(&rec.SnapshotID, &rec.Family, &rec.Skipped, &builtAt, &markers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.BuiltAt = time.Unix(0, builtAt).UTC()
	if err := json.Unmarshal([]byte(markers), &rec.Markers); err != nil {
		return nil, fmt.Errorf("snapshot %s: bad markers: %w", rec.SnapshotID, err)
	}
	return &rec, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// RecordCorrection stores one published pose.
func (db *DB) RecordCorrection(vp correction.ValidatedPose) error {
	return insertCorrection(db.DB, vp, db.clock.Now())
}

func insertCorrection(ex execer, vp correction.ValidatedPose, recordedAt time.Time) error {
	cov, err := json.Marshal(vp.Covariance.Slice())
	if err != nil {
		return err
	}
	t, q := vp.Translation, vp.Rotation
	_, err = ex.Exec(
		`INSERT INTO corrections (
			correction_id, snapshot_id, tag_id, stamp_unix_nanos,
			x, y, z, qw, qx, qy, qz, distance, coefficient, covariance_json,
			recorded_at_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vp.ID, vp.SnapshotID, vp.TagID, vp.Stamp.UnixNano(),
		t.X, t.Y, t.Z, q.Real, q.Imag, q.Jmag, q.Kmag,
		vp.Distance, vp.Coefficient, string(cov),
		recordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record correction %s: %w", vp.ID, err)
	}
	return nil
}

// Rejection is one dropped detection.
type Rejection struct {
	TagID    string    `json:"tag_id"`
	Stamp    time.Time `json:"stamp"`
	Stage    string    `json:"stage"`
	Reason   string    `json:"reason"`
	Distance float64   `json:"distance"`
}

// RecordRejection stores one dropped detection.
func (db *DB) RecordRejection(r Rejection) error {
	return insertRejection(db.DB, r, db.clock.Now())
}

func insertRejection(ex execer, r Rejection, recordedAt time.Time) error {
	_, err := ex.Exec(
		`INSERT INTO rejections (tag_id, stamp_unix_nanos, stage, reason, distance, recorded_at_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TagID, r.Stamp.UnixNano(), r.Stage, r.Reason, r.Distance, recordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

// RecordFrame stores every published pose and every rejection of a frame
// in one transaction.
func (db *DB) RecordFrame(res correction.FrameResult) error {
	if len(res.Outcomes) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := db.clock.Now()
	for _, vp := range res.Published {
		if err := insertCorrection(tx, vp, now); err != nil {
			return err
		}
	}
	for _, o := range res.Outcomes {
		if o.Published {
			continue
		}
		stamp := o.Stamp
		if stamp.IsZero() {
			stamp = res.Stamp
		}
		r := Rejection{TagID: o.TagID, Stamp: stamp, Stage: o.Stage, Reason: o.Reason, Distance: o.Distance}
		if err := insertRejection(tx, r, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CorrectionRecord is a stored correction.
type CorrectionRecord struct {
	ID          string                 `json:"id"`
	SnapshotID  string                 `json:"snapshot_id"`
	TagID       string                 `json:"tag_id"`
	Stamp       time.Time              `json:"stamp"`
	X           float64                `json:"x"`
	Y           float64                `json:"y"`
	Z           float64                `json:"z"`
	Rotation    [4]float64             `json:"rotation"`
	Distance    float64                `json:"distance"`
	Coefficient float64                `json:"coefficient"`
	Covariance  uncertainty.Covariance `json:"covariance"`
}

// RecentCorrections returns up to limit corrections, newest first.
func (db *DB) RecentCorrections(limit int) ([]CorrectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT correction_id, COALESCE(snapshot_id, ''), tag_id, stamp_unix_nanos,
			x, y, z, qw, qx, qy, qz, distance, coefficient, covariance_json
		FROM corrections ORDER BY stamp_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorrectionRecord
	for rows.Next() {
		var (
			r     CorrectionRecord
			stamp int64
			cov   string
		)
		if err := rows.Scan(&r.ID, &r.SnapshotID, &r.TagID, &stamp,
			&r.X, &r.Y, &r.Z, &r.Rotation[0], &r.Rotation[1], &r.Rotation[2], &r.Rotation[3],
			&r.Distance, &r.Coefficient, &cov); err != nil {
			return nil, err
		}
		r.Stamp = time.Unix(0, stamp).UTC()
		var vals []float64
		if err := json.Unmarshal([]byte(cov), &vals); err != nil {
			return nil, fmt.Errorf("correction %s: bad covariance: %w", r.ID, err)
		}
		if r.Covariance, err = uncertainty.FromSlice(vals); err != nil {
			return nil, fmt.Errorf("correction %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RejectionCount is the number of rejections recorded for one stage.
type RejectionCount struct {
	Stage string `json:"stage"`
	Count int64  `json:"count"`
}

// RejectionSummary returns rejection counts per stage since the given
// time, most frequent first.
func (db *DB) RejectionSummary(since time.Time) ([]RejectionCount, error) {
	rows, err := db.Query(
		`SELECT stage, COUNT(*) FROM rejections
		WHERE stamp_unix_nanos >= ?
		GROUP BY stage ORDER BY COUNT(*) DESC, stage`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RejectionCount
	for rows.Next() {
		var rc RejectionCount
		if err := rows.Scan(&rc.Stage, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Prune deletes corrections and rejections recorded before cutoff and
// returns the number of rows removed. Feed stamps play no part, so a replay
// of an old recording is kept like live data.
func (db *DB) Prune(cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"corrections", "rejections"} {
		res, err := db.Exec(`DELETE FROM `+table+` WHERE recorded_at_unix_nanos < ?`, cutoff.UnixNano())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
