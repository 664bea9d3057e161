// Command trail-plot renders the landmark map and the recent correction
// trail to a PNG, reading either a correction journal or a running
// localizer's HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/tag.localizer/internal/httputil"
	"github.com/banshee-data/tag.localizer/internal/journal"
	"github.com/banshee-data/tag.localizer/internal/report"
)

var (
	dbPath  = flag.String("db", "", "Correction journal to read")
	baseURL = flag.String("url", "", "Base URL of a running localizer, e.g. http://localhost:8080")
	limit   = flag.Int("limit", 1000, "Number of most recent corrections to plot")
	outPath = flag.String("out", "trail.png", "Output PNG path")
	title   = flag.String("title", "", "Plot title")
	timeout = flag.Duration("timeout", 10*time.Second, "HTTP timeout when reading from -url")
)

func main() {
	flag.Parse()

	var (
		trail report.Trail
		err   error
	)
	switch {
	case *dbPath != "" && *baseURL != "":
		log.Fatal("use either -db or -url, not both")
	case *dbPath != "":
		trail, err = loadFromJournal(*dbPath, *limit)
	case *baseURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		client := httputil.NewStandardClient(&http.Client{Timeout: *timeout})
		trail, err = loadFromAPI(ctx, client, *baseURL, *limit)
	default:
		log.Fatal("one of -db or -url is required")
	}
	if err != nil {
		log.Fatalf("failed to load trail: %v", err)
	}
	trail.Title = *title

	p, err := report.Plot(trail)
	if err != nil {
		log.Fatalf("failed to plot: %v", err)
	}
	if err := report.SavePNG(*outPath, p, report.DefaultSize); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s: %d landmarks, %d corrections", *outPath, len(trail.Landmarks), len(trail.Corrections))
}

func loadFromJournal(path string, limit int) (report.Trail, error) {
	db, err := journal.OpenDB(path)
	if err != nil {
		return report.Trail{}, err
	}
	defer db.Close()

	var trail report.Trail
	snap, err := db.LatestMapSnapshot()
	if err != nil {
		return trail, err
	}
	if snap != nil {
		for _, m := range snap.Markers {
			trail.Landmarks = append(trail.Landmarks, report.Landmark{ID: m.ID, X: m.T[0], Y: m.T[1]})
		}
	}
	recs, err := db.RecentCorrections(limit)
	if err != nil {
		return trail, err
	}
	trail.Corrections = corrections(recs)
	return trail, nil
}

type apiLandmarks struct {
	Landmarks []struct {
		ID string  `json:"id"`
		X  float64 `json:"x"`
		Y  float64 `json:"y"`
	} `json:"landmarks"`
}

func loadFromAPI(ctx context.Context, c httputil.HTTPClient, base string, limit int) (report.Trail, error) {
	base = strings.TrimRight(base, "/")
	if _, err := url.Parse(base); err != nil {
		return report.Trail{}, fmt.Errorf("invalid -url: %w", err)
	}

	var trail report.Trail
	var lm apiLandmarks
	if err := httputil.GetJSON(ctx, c, base+"/api/landmarks", &lm); err != nil {
		return trail, err
	}
	for _, l := range lm.Landmarks {
		trail.Landmarks = append(trail.Landmarks, report.Landmark{ID: l.ID, X: l.X, Y: l.Y})
	}

	var recs []journal.CorrectionRecord
	err := httputil.GetJSON(ctx, c, fmt.Sprintf("%s/api/corrections?limit=%d", base, limit), &recs)
	if err != nil {
		// A localizer without a journal still has a map worth plotting.
		if len(trail.Landmarks) == 0 {
			return trail, err
		}
		log.Printf("no corrections: %v", err)
	}
	trail.Corrections = corrections(recs)
	if len(trail.Landmarks) == 0 && len(trail.Corrections) == 0 {
		return trail, errors.New("localizer has no landmarks and no corrections")
	}
	return trail, nil
}

func corrections(recs []journal.CorrectionRecord) []report.Correction {
	out := make([]report.Correction, len(recs))
	for i, r := range recs {
		out[i] = report.Correction{TagID: r.TagID, Stamp: r.Stamp, X: r.X, Y: r.Y}
	}
	return out
}
