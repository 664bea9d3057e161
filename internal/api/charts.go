package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tag.localizer/internal/httputil"
	"github.com/banshee-data/tag.localizer/internal/journal"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleLandmarkChart renders a top-down scatter of the landmark map and
// the most recent corrected body positions.
// Query params:
//   - limit (optional; default 100) number of corrections to overlay
func (s *Server) handleLandmarkChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	m := s.pipeline.Landmarks()
	if m == nil {
		httputil.NotFound(w, "no landmark map loaded")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}

	var recs []journal.CorrectionRecord
	if s.store != nil {
		var err error
		if recs, err = s.store.RecentCorrections(limit); err != nil {
			httputil.InternalServerError(w, "Failed to retrieve corrections: "+err.Error())
			return
		}
	}

	maxAbs := 0.0
	grow := func(x, y float64) {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
	}

	tags := make([]opts.ScatterData, 0, m.Len())
	for _, lv := range landmarkViews(m) {
		grow(lv.X, lv.Y)
		tags = append(tags, opts.ScatterData{Name: lv.ID, Value: []interface{}{lv.X, lv.Y}})
	}
	trail := make([]opts.ScatterData, 0, len(recs))
	for _, rec := range recs {
		grow(rec.X, rec.Y)
		trail = append(trail, opts.ScatterData{Name: rec.TagID, Value: []interface{}{rec.X, rec.Y}})
	}

	pad := maxAbs * 1.1
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Landmarks", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Landmark map", Subtitle: fmt.Sprintf("snapshot=%s landmarks=%d corrections=%d", m.SnapshotID, len(tags), len(trail))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("landmarks", tags, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	scatter.AddSeries("corrections", trail, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	httputil.WriteHTML(w, buf.Bytes())
}
