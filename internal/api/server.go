// Package api serves the localizer's JSON status endpoints and debug charts.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/tag.localizer/internal/config"
	"github.com/banshee-data/tag.localizer/internal/correction"
	"github.com/banshee-data/tag.localizer/internal/httputil"
	"github.com/banshee-data/tag.localizer/internal/journal"
	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/monitoring"
	"github.com/banshee-data/tag.localizer/internal/timeutil"
	"github.com/banshee-data/tag.localizer/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultCorrectionLimit = 100
	maxCorrectionLimit     = 5000
	defaultRejectionWindow = 24 * time.Hour
)

// PipelineView is the part of the correction pipeline the API reads.
type PipelineView interface {
	Status() correction.Status
	Landmarks() *landmark.Map
}

// CorrectionStore is the journal query surface. It may be nil when the
// localizer runs without a journal.
type CorrectionStore interface {
	RecentCorrections(limit int) ([]journal.CorrectionRecord, error)
	RejectionSummary(since time.Time) ([]journal.RejectionCount, error)
}

type Server struct {
	pipeline PipelineView
	store    CorrectionStore
	cfg      *config.LocalizerConfig
	metrics  http.Handler
	clock    timeutil.Clock
}

// Options configures optional Server collaborators.
type Options struct {
	Store   CorrectionStore
	Config  *config.LocalizerConfig
	Metrics http.Handler
	Clock   timeutil.Clock
}

func NewServer(p PipelineView, opts Options) *Server {
	s := &Server{
		pipeline: p,
		store:    opts.Store,
		cfg:      opts.Config,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route registered. Callers add the
// tsweb debug routes to the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/landmarks", s.listLandmarks)
	mux.HandleFunc("/api/corrections", s.listCorrections)
	mux.HandleFunc("/api/rejections", s.showRejections)
	mux.HandleFunc("/api/charts/landmarks", s.handleLandmarkChart)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.pipeline.Status())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg == nil {
		httputil.NotFound(w, "no configuration loaded")
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// landmarkView is the JSON form of one landmark.
type landmarkView struct {
	ID       string     `json:"id"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Z        float64    `json:"z"`
	Rotation [4]float64 `json:"rotation"`
}

type landmarksResponse struct {
	SnapshotID string         `json:"snapshot_id"`
	Family     string         `json:"family"`
	BuiltAt    time.Time      `json:"built_at"`
	Skipped    int            `json:"skipped"`
	Landmarks  []landmarkView `json:"landmarks"`
}

func landmarkViews(m *landmark.Map) []landmarkView {
	markers := m.Markers()
	out := make([]landmarkView, len(markers))
	for i, mk := range markers {
		t, q := mk.Pose.Translation, mk.Pose.Rotation
		out[i] = landmarkView{
			ID: mk.ID, X: t.X, Y: t.Y, Z: t.Z,
			Rotation: [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		}
	}
	return out
}

func (s *Server) listLandmarks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	m := s.pipeline.Landmarks()
	if m == nil {
		httputil.NotFound(w, "no landmark map loaded")
		return
	}
	httputil.WriteJSONOK(w, landmarksResponse{
		SnapshotID: m.SnapshotID,
		Family:     m.Family,
		BuiltAt:    m.BuiltAt,
		Skipped:    m.Skipped,
		Landmarks:  landmarkViews(m),
	})
}

func parseLimit(r *http.Request) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return defaultCorrectionLimit, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 || n > maxCorrectionLimit {
		return 0, false
	}
	return n, true
}

func (s *Server) listCorrections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	recs, err := s.store.RecentCorrections(limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve corrections: "+err.Error())
		return
	}
	if recs == nil {
		recs = []journal.CorrectionRecord{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) showRejections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	window := defaultRejectionWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			httputil.BadRequest(w, "Invalid 'window' parameter")
			return
		}
		window = d
	}
	summary, err := s.store.RejectionSummary(s.clock.Now().Add(-window))
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve rejections: "+err.Error())
		return
	}
	if summary == nil {
		summary = []journal.RejectionCount{}
	}
	httputil.WriteJSONOK(w, map[string]any{
		"window":     window.String(),
		"rejections": summary,
	})
}
