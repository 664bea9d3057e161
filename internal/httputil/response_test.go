package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"snapshot_id": "abc"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["snapshot_id"] != "abc" {
		t.Errorf("snapshot_id = %s, want abc", resp["snapshot_id"])
	}
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		write   func(http.ResponseWriter)
		status  int
		message string
	}{
		{"method not allowed", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "Invalid 'limit' parameter") }, http.StatusBadRequest, "Invalid 'limit' parameter"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no landmark map loaded") }, http.StatusNotFound, "no landmark map loaded"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "disk full") }, http.StatusInternalServerError, "disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["error"] != tt.message {
				t.Errorf("error = %q, want %q", resp["error"], tt.message)
			}
		})
	}
}

func TestWriteHTML(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteHTML(rec, []byte("<html></html>"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content-type = %s", ct)
	}
	if rec.Body.String() != "<html></html>" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
