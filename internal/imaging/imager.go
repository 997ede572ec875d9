// Package imaging grids channelized antenna voltages onto an aperture plane
// and transforms them into sky images.
package imaging

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/nvandessel/moffcal/internal/array"
	"github.com/nvandessel/moffcal/internal/cube"
	"github.com/nvandessel/moffcal/internal/gains"
	"gonum.org/v1/gonum/dsp/fourier"
)

const speedOfLight = 299792458.0

// Config describes the spectral setup and grid sizing of an imager. Cell
// size, snapping and frequency scaling come from each antenna's aperture.
type Config struct {
	// CenterFrequency in Hz sets the wavelength of the l/m axes.
	CenterFrequency float64

	// Frequencies of the channels in Hz. Empty puts every channel at
	// CenterFrequency.
	Frequencies []float64

	// Padding multiplies the occupied aperture extent before choosing the
	// FFT size. Values below 1 default to 2.
	Padding int

	// MinSize is the smallest allowed image side. Values below 4 default to 8.
	MinSize int
}

// Image is one imaged integration.
type Image struct {
	Field *cube.ComplexCube
	Power *cube.Cube
	L     []float64 // direction cosine of each x pixel
	M     []float64 // direction cosine of each y pixel
}

// Shape returns the image cube shape.
func (im *Image) Shape() cube.Shape { return im.Field.Shape() }

// Center returns the complex field at the central pixel for every channel.
func (im *Image) Center() []complex128 {
	x, y := im.Field.Shape().Center()
	return im.Field.Pixel(x, y)
}

// Imager grids antenna voltages with nearest-neighbour snapping and images
// them with a 2-D FFT.
type Imager struct {
	cfg Config
}

// New validates cfg.
func New(cfg Config) (*Imager, error) {
	if cfg.CenterFrequency <= 0 {
		return nil, fmt.Errorf("center frequency must be positive, got %g", cfg.CenterFrequency)
	}
	for i, f := range cfg.Frequencies {
		if f <= 0 {
			return nil, fmt.Errorf("channel %d frequency must be positive, got %g", i, f)
		}
	}
	if cfg.Padding < 1 {
		cfg.Padding = 2
	}
	if cfg.MinSize < 4 {
		cfg.MinSize = 8
	}
	cfg.Frequencies = append([]float64(nil), cfg.Frequencies...)
	return &Imager{cfg: cfg}, nil
}

// layout is the aperture grid for one call.
type layout struct {
	size    int
	cells   [][][2]int // [antenna][channel]
	weights []float64  // 0 for antennas left out
	total   float64
	axis    []float64
}

// snap returns the cell index for a position u in cells. Offsets within tol
// of a cell boundary go to the cell nearer the origin.
func snap(u, tol float64) int {
	frac := math.Abs(u - math.Trunc(u))
	if math.Abs(frac-0.5) <= tol {
		return int(math.Trunc(u))
	}
	return int(math.Round(u))
}

func (im *Imager) layout(aps []array.Aperture, nChan int) (*layout, error) {
	if n := len(im.cfg.Frequencies); n > 0 && n != nChan {
		return nil, fmt.Errorf("data has %d channels, imager has %d frequencies", nChan, n)
	}

	var ref *array.GridConfig
	lay := &layout{weights: make([]float64, len(aps))}
	for i := range aps {
		ap := &aps[i]
		if ap.Flagged || ap.Weight <= 0 {
			continue
		}
		if ap.Grid.Method != array.GridNearest || ap.Grid.DistNN <= 0 {
			return nil, fmt.Errorf("antenna %s: unsupported grid %s with dist_nn %g", ap.Label, ap.Grid.Method, ap.Grid.DistNN)
		}
		if ref == nil {
			ref = &ap.Grid
		} else if ap.Grid.DistNN != ref.DistNN || ap.Grid.Scaled() != ref.Scaled() {
			return nil, fmt.Errorf("antenna %s grids at %g m (scaled %t), others at %g m (scaled %t)",
				ap.Label, ap.Grid.DistNN, ap.Grid.Scaled(), ref.DistNN, ref.Scaled())
		}
		lay.weights[i] = ap.Weight
		lay.total += ap.Weight
	}
	if ref == nil {
		return nil, fmt.Errorf("no antenna contributes to the image")
	}

	scale := make([]float64, nChan)
	for ch := range scale {
		scale[ch] = 1
		if ref.Scaled() && len(im.cfg.Frequencies) > 0 {
			scale[ch] = im.cfg.Frequencies[ch] / im.cfg.CenterFrequency
		}
	}
	smax := slices.Max(scale)

	var maxAbs float64
	for i, ap := range aps {
		if lay.weights[i] > 0 {
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(ap.Position[0]), math.Abs(ap.Position[1])))
		}
	}
	half := int(math.Ceil(maxAbs*smax/ref.DistNN)) + 1
	n := nextPow2(max(im.cfg.Padding*(2*half+1), im.cfg.MinSize))
	lay.size = n

	lay.cells = make([][][2]int, len(aps))
	for i, ap := range aps {
		if lay.weights[i] == 0 {
			continue
		}
		lay.cells[i] = make([][2]int, nChan)
		for ch, s := range scale {
			lay.cells[i][ch] = [2]int{
				snap(ap.Position[0]*s/ref.DistNN, ap.Grid.Tolerance) + n/2,
				snap(ap.Position[1]*s/ref.DistNN, ap.Grid.Tolerance) + n/2,
			}
		}
	}

	lambda := speedOfLight / im.cfg.CenterFrequency
	lay.axis = make([]float64, n)
	for k := range lay.axis {
		lay.axis[k] = float64(k-n/2) * lambda / (float64(n) * ref.DistNN)
	}
	return lay, nil
}

// Image grids data (antenna × channel, already calibrated) according to
// each antenna's aperture and returns the FFT image normalised by the total
// gridding weight. Flagged and zero-weight antennas are left out. The
// central pixel is the zero-spacing term: the weighted mean of the gridded
// voltages.
func (im *Imager) Image(ctx context.Context, data *gains.Matrix, aps []array.Aperture) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nAnt, nChan := data.Dims()
	if nAnt != len(aps) {
		return nil, fmt.Errorf("data has %d antennas, got %d apertures", nAnt, len(aps))
	}
	lay, err := im.layout(aps, nChan)
	if err != nil {
		return nil, err
	}

	n := lay.size
	field, err := cube.NewComplex(cube.Shape{NX: n, NY: n, NC: nChan})
	if err != nil {
		return nil, err
	}

	fft := fourier.NewCmplxFFT(n)
	grid := make([]complex128, n*n)
	line := make([]complex128, n)
	norm := complex(1/lay.total, 0)

	for ch := 0; ch < nChan; ch++ {
		clear(grid)
		for a, w := range lay.weights {
			if w == 0 {
				continue
			}
			cell := lay.cells[a][ch]
			grid[cell[0]*n+cell[1]] += complex(w, 0) * data.At(a, ch)
		}

		fft2(fft, grid, line, n)

		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				px, py := (x+n/2)%n, (y+n/2)%n
				field.Set(px, py, ch, grid[x*n+y]*norm)
			}
		}
	}

	return &Image{
		Field: field,
		Power: field.Power(),
		L:     lay.axis,
		M:     append([]float64(nil), lay.axis...),
	}, nil
}

// fft2 transforms an n×n row-major grid in place.
func fft2(fft *fourier.CmplxFFT, grid, line []complex128, n int) {
	for x := 0; x < n; x++ {
		row := grid[x*n : (x+1)*n]
		copy(line, row)
		fft.Coefficients(row, line)
	}
	col := make([]complex128, n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			line[x] = grid[x*n+y]
		}
		fft.Coefficients(col, line)
		for x := 0; x < n; x++ {
			grid[x*n+y] = col[x]
		}
	}
}

func nextPow2(v int) int {
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}

// BackgroundSubtracted returns the power cube minus each channel's spatial
// mean, suppressing the zero-spacing bias. This is not one mean over the
// whole cube: a cube-wide mean would let channels with different source
// power bias each other.
func BackgroundSubtracted(power *cube.Cube) *cube.Cube {
	out := power.Clone()
	out.SubtractSpatialMean()
	return out
}
