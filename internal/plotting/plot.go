// Package plotting renders run results as PNG figures.
package plotting

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/nvandessel/moffcal/internal/cube"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// File names written by Save.
const (
	ImageFile       = "average_image.png"
	ConvergenceFile = "gain_error.png"
)

const (
	figureWidth  = 6 * vg.Inch
	figureHeight = 5 * vg.Inch
)

// planeGrid adapts a Plane with its direction-cosine axes to plotter.GridXYZ.
type planeGrid struct {
	plane *cube.Plane
	l, m  []float64
}

func (g planeGrid) Dims() (c, r int) { return g.plane.NX, g.plane.NY }
func (g planeGrid) Z(c, r int) float64 { return g.plane.At(c, r) }
func (g planeGrid) X(c int) float64 { return g.l[c] }
func (g planeGrid) Y(r int) float64 { return g.m[r] }

// ImagePlot builds a heat map of plane over the (l, m) axes with a cross
// at the source position.
func ImagePlot(plane *cube.Plane, l, m []float64, srcL, srcM float64) (*plot.Plot, error) {
	if plane == nil {
		return nil, fmt.Errorf("no image to plot")
	}
	if len(l) != plane.NX || len(m) != plane.NY {
		return nil, fmt.Errorf("axes %dx%d do not match image %dx%d", len(l), len(m), plane.NX, plane.NY)
	}

	p := plot.New()
	p.Title.Text = "Average image"
	p.X.Label.Text = "l"
	p.Y.Label.Text = "m"

	hm := plotter.NewHeatMap(planeGrid{plane: plane, l: l, m: m}, palette.Heat(64, 1))
	p.Add(hm)

	src, err := plotter.NewScatter(plotter.XYs{{X: srcL, Y: srcM}})
	if err != nil {
		return nil, err
	}
	src.GlyphStyle.Shape = draw.CrossGlyph{}
	src.GlyphStyle.Radius = vg.Points(6)
	src.GlyphStyle.Color = color.RGBA{B: 255, A: 255}
	p.Add(src)

	return p, nil
}

// ConvergencePlot builds a line plot of the gain error per iteration.
func ConvergencePlot(gainErrors []float64) (*plot.Plot, error) {
	if len(gainErrors) == 0 {
		return nil, fmt.Errorf("no iterations to plot")
	}

	p := plot.New()
	p.Title.Text = "Gain error"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "|curr - sim|"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(gainErrors))
	for i, v := range gainErrors {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)

	return p, nil
}

// SavePNG writes p to filename, creating its directory.
func SavePNG(p *plot.Plot, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := p.Save(figureWidth, figureHeight, filename); err != nil {
		return fmt.Errorf("cannot write png: %w", err)
	}
	return nil
}

// Save renders the average image and the convergence history into dir and
// returns the written paths.
func Save(dir string, plane *cube.Plane, l, m []float64, srcL, srcM float64, gainErrors []float64) ([]string, error) {
	var written []string

	img, err := ImagePlot(plane, l, m, srcL, srcM)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, ImageFile)
	if err := SavePNG(img, path); err != nil {
		return nil, err
	}
	written = append(written, path)

	conv, err := ConvergencePlot(gainErrors)
	if err != nil {
		return written, err
	}
	path = filepath.Join(dir, ConvergenceFile)
	if err := SavePNG(conv, path); err != nil {
		return written, err
	}
	return append(written, path), nil
}
