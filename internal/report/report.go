// Package report renders top-down plots of the landmark map and the trail
// of corrected body positions.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// DefaultSize is the edge length of the square output image.
const DefaultSize = 8 * vg.Inch

// ErrEmpty is returned when there is nothing to plot.
var ErrEmpty = errors.New("no landmarks or corrections to plot")

// Landmark is one tag position in the map frame.
type Landmark struct {
	ID   string
	X, Y float64
}

// Correction is one published body position in the map frame.
type Correction struct {
	TagID string
	Stamp time.Time
	X, Y  float64
}

// Trail is the input to Plot.
type Trail struct {
	Title       string
	Landmarks   []Landmark
	Corrections []Correction
}

// Plot draws the landmarks as labelled squares and the corrections as a
// time-ordered line with points coloured by the tag that produced them.
func Plot(t Trail) (*plot.Plot, error) {
	if len(t.Landmarks) == 0 && len(t.Corrections) == 0 {
		return nil, ErrEmpty
	}

	p := plot.New()
	p.Title.Text = t.Title
	if p.Title.Text == "" {
		p.Title.Text = "Correction trail"
	}
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(t.Landmarks) > 0 {
		pts := make(plotter.XYs, len(t.Landmarks))
		labels := make([]string, len(t.Landmarks))
		for i, l := range t.Landmarks {
			pts[i] = plotter.XY{X: l.X, Y: l.Y}
			labels[i] = l.ID
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = draw.BoxGlyph{}
		sc.GlyphStyle.Radius = vg.Points(5)
		sc.GlyphStyle.Color = color.Black
		p.Add(sc)
		p.Legend.Add("landmarks", sc)

		lbl, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
		if err != nil {
			return nil, err
		}
		lbl.Offset = vg.Point{X: vg.Points(6), Y: vg.Points(6)}
		p.Add(lbl)
	}

	if len(t.Corrections) > 0 {
		cs := append([]Correction(nil), t.Corrections...)
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Stamp.Before(cs[j].Stamp) })

		path := make(plotter.XYs, len(cs))
		byTag := make(map[string]plotter.XYs)
		for i, c := range cs {
			path[i] = plotter.XY{X: c.X, Y: c.Y}
			byTag[c.TagID] = append(byTag[c.TagID], path[i])
		}
		line, err := plotter.NewLine(path)
		if err != nil {
			return nil, err
		}
		line.Color = color.Gray{Y: 160}
		line.Width = vg.Points(0.5)
		p.Add(line)

		tags := make([]string, 0, len(byTag))
		for id := range byTag {
			tags = append(tags, id)
		}
		sort.Strings(tags)
		colors := generateColors(len(tags))
		for i, id := range tags {
			sc, err := plotter.NewScatter(byTag[id])
			if err != nil {
				return nil, err
			}
			sc.GlyphStyle.Shape = draw.CircleGlyph{}
			sc.GlyphStyle.Radius = vg.Points(2)
			sc.GlyphStyle.Color = colors[i]
			p.Add(sc)
			p.Legend.Add(fmt.Sprintf("via tag %s", id), sc)
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	squareAxes(p)
	return p, nil
}

// squareAxes gives both axes the same span so distances read true.
func squareAxes(p *plot.Plot) {
	cx := (p.X.Min + p.X.Max) / 2
	cy := (p.Y.Min + p.Y.Max) / 2
	half := math.Max(p.X.Max-p.X.Min, p.Y.Max-p.Y.Min)/2*1.1 + 0.5
	p.X.Min, p.X.Max = cx-half, cx+half
	p.Y.Min, p.Y.Max = cy-half, cy+half
}

// WritePNG renders p as a square PNG of the given size.
func WritePNG(w io.Writer, p *plot.Plot, size vg.Length) error {
	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG renders p to path, creating the parent directory.
func SavePNG(path string, p *plot.Plot, size vg.Length) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := p.Save(size, size, path); err != nil {
		return fmt.Errorf("save trail plot: %w", err)
	}
	return nil
}

func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	q := l * (1 + s)
	if l >= 0.5 {
		q = l + s - l*s
	}
	p := 2*l - q
	r := hueToRGB(p, q, h+1.0/3)
	g := hueToRGB(p, q, h)
	b := hueToRGB(p, q, h-1.0/3)
	return uint8(math.Round(r * 255)), uint8(math.Round(g * 255)), uint8(math.Round(b * 255))
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	}
	return p
}
