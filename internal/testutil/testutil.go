// Package testutil provides shared test utilities and fixtures.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/tag.localizer/internal/landmark"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// SquareTag is a flat square tag lying in the z=0 plane, centred on (X, Y).
type SquareTag struct {
	ID   string
	X, Y float64
	Size float64
}

// LandmarkSource encodes tags as a landmark document of pose markers in
// the given family. A zero Size defaults to 0.6m.
func LandmarkSource(family string, tags ...SquareTag) []byte {
	src := landmark.Source{Features: make([]landmark.Feature, 0, len(tags))}
	for _, tag := range tags {
		h := tag.Size / 2
		if h == 0 {
			h = 0.3
		}
		src.Features = append(src.Features, landmark.Feature{
			ID:      tag.ID,
			Type:    landmark.FeatureTypePoseMarker,
			Subtype: family,
			Vertices: []landmark.Vertex{
				{X: tag.X - h, Y: tag.Y - h},
				{X: tag.X + h, Y: tag.Y - h},
				{X: tag.X + h, Y: tag.Y + h},
				{X: tag.X - h, Y: tag.Y + h},
			},
		})
	}
	raw, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	return raw
}

// MustLandmarkMap builds a map from tags in the default family.
func MustLandmarkMap(t testing.TB, tags ...SquareTag) *landmark.Map {
	t.Helper()
	m, err := landmark.Build(LandmarkSource(landmark.DefaultFamily, tags...), landmark.DefaultFamily)
	if err != nil {
		t.Fatalf("failed to build landmark map: %v", err)
	}
	return m
}
