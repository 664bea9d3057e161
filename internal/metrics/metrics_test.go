package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/gate"
	"github.com/banshee-data/tag.localizer/internal/landmark"
)

type fakeSource struct {
	stats     *correction.Stats
	readiness correction.Readiness
	landmarks *landmark.Map
}

func (f *fakeSource) Stats() *correction.Stats        { return f.stats }
func (f *fakeSource) Readiness() correction.Readiness { return f.readiness }
func (f *fakeSource) Landmarks() *landmark.Map        { return f.landmarks }

func TestMetrics_GateRejections(t *testing.T) {
	src := &fakeSource{stats: correction.NewStats(correction.AllFilters...)}
	m := New(src)

	src.stats.Observe(gate.Reject(gate.FilterRange, "far"))
	src.stats.Observe(gate.Reject(gate.FilterRange, "far"))
	src.stats.Observe(gate.Reject(gate.FilterFreshness, "stale"))
	src.stats.Observe(gate.Accept(gate.FilterTargetSet))

	expected := `
# HELP tag_localizer_gate_rejections_total Detections rejected, by gate filter
# TYPE tag_localizer_gate_rejections_total counter
tag_localizer_gate_rejections_total{filter="freshness"} 1
tag_localizer_gate_rejections_total{filter="landmark_presence"} 0
tag_localizer_gate_rejections_total{filter="plausibility"} 0
tag_localizer_gate_rejections_total{filter="range"} 2
tag_localizer_gate_rejections_total{filter="target_set"} 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "tag_localizer_gate_rejections_total"))
}

func TestMetrics_Readiness(t *testing.T) {
	src := &fakeSource{stats: correction.NewStats()}
	m := New(src)

	ready := func() float64 {
		mfs, err := m.Registry().Gather()
		require.NoError(t, err)
		for _, mf := range mfs {
			if mf.GetName() == "tag_localizer_ready" {
				return mf.GetMetric()[0].GetGauge().GetValue()
			}
		}
		t.Fatal("tag_localizer_ready not gathered")
		return 0
	}

	assert.Equal(t, 0.0, ready())
	src.readiness = correction.Ready
	assert.Equal(t, 1.0, ready())
}

func TestMetrics_Handler(t *testing.T) {
	src := &fakeSource{stats: correction.NewStats(correction.AllFilters...)}
	m := New(src)
	var lines, dropped, bad uint64 = 7, 1, 2
	m.RegisterFeed("uart", func() uint64 { return lines }, func() uint64 { return dropped }, func() uint64 { return bad })

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for _, want := range []string{
		`tag_localizer_feed_lines_total{feed="uart"} 7`,
		`tag_localizer_feed_dropped_total{feed="uart"} 1`,
		`tag_localizer_feed_decode_errors_total{feed="uart"} 2`,
		`tag_localizer_landmarks 0`,
		`tag_localizer_frames_total 0`,
	} {
		assert.Contains(t, string(body), want)
	}
}
