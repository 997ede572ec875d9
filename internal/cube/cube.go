// Package cube provides spatial × spatial × channel image cubes.
package cube

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Shape is the (nx, ny, nchan) extent of a cube.
type Shape struct {
	NX int `json:"nx"`
	NY int `json:"ny"`
	NC int `json:"nchan"`
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.NX, s.NY, s.NC)
}

func (s Shape) valid() bool {
	return s.NX > 0 && s.NY > 0 && s.NC > 0
}

// Center returns the central spatial pixel index.
func (s Shape) Center() (int, int) {
	return s.NX / 2, s.NY / 2
}

// Cube is a real-valued image cube stored with the channel axis innermost.
type Cube struct {
	shape Shape
	data  []float64
}

// New returns a zeroed cube.
func New(shape Shape) (*Cube, error) {
	if !shape.valid() {
		return nil, fmt.Errorf("invalid cube shape %s", shape)
	}
	return &Cube{shape: shape, data: make([]float64, shape.NX*shape.NY*shape.NC)}, nil
}

// Shape returns the cube extent.
func (c *Cube) Shape() Shape { return c.shape }

func (c *Cube) index(x, y, ch int) int {
	return (x*c.shape.NY+y)*c.shape.NC + ch
}

// At returns the value at pixel (x, y) in channel ch.
func (c *Cube) At(x, y, ch int) float64 { return c.data[c.index(x, y, ch)] }

// Set assigns the value at pixel (x, y) in channel ch.
func (c *Cube) Set(x, y, ch int, v float64) { c.data[c.index(x, y, ch)] = v }

// Pixel returns a copy of all channel values at (x, y).
func (c *Cube) Pixel(x, y int) []float64 {
	out := make([]float64, c.shape.NC)
	i := c.index(x, y, 0)
	copy(out, c.data[i:i+c.shape.NC])
	return out
}

// Clone returns an independent copy.
func (c *Cube) Clone() *Cube {
	data := make([]float64, len(c.data))
	copy(data, c.data)
	return &Cube{shape: c.shape, data: data}
}

// Add accumulates o into c.
func (c *Cube) Add(o *Cube) error {
	if c.shape != o.shape {
		return fmt.Errorf("cannot add cube %s to %s", o.shape, c.shape)
	}
	floats.Add(c.data, o.data)
	return nil
}

// Scale multiplies every value by f in place.
func (c *Cube) Scale(f float64) {
	floats.Scale(f, c.data)
}

// SpatialMeans returns the mean over all pixels for each channel, ignoring NaNs.
func (c *Cube) SpatialMeans() []float64 {
	sums := make([]float64, c.shape.NC)
	counts := make([]int, c.shape.NC)
	for i, v := range c.data {
		if math.IsNaN(v) {
			continue
		}
		ch := i % c.shape.NC
		sums[ch] += v
		counts[ch]++
	}
	for ch := range sums {
		if counts[ch] == 0 {
			sums[ch] = math.NaN()
			continue
		}
		sums[ch] /= float64(counts[ch])
	}
	return sums
}

// SubtractSpatialMean removes each channel's spatial mean in place. Each
// channel gets its own mean, unlike a single nanmean over every axis.
func (c *Cube) SubtractSpatialMean() {
	means := c.SpatialMeans()
	for i := range c.data {
		c.data[i] -= means[i%c.shape.NC]
	}
}

// ChannelMean averages the cube over its channel axis.
func (c *Cube) ChannelMean() *Plane {
	p := NewPlane(c.shape.NX, c.shape.NY)
	n := c.shape.NC
	for x := 0; x < c.shape.NX; x++ {
		for y := 0; y < c.shape.NY; y++ {
			i := c.index(x, y, 0)
			p.Set(x, y, floats.Sum(c.data[i:i+n])/float64(n))
		}
	}
	return p
}

// ComplexCube is a complex-valued image cube with the same layout as Cube.
type ComplexCube struct {
	shape Shape
	data  []complex128
}

// NewComplex returns a zeroed complex cube.
func NewComplex(shape Shape) (*ComplexCube, error) {
	if !shape.valid() {
		return nil, fmt.Errorf("invalid cube shape %s", shape)
	}
	return &ComplexCube{shape: shape, data: make([]complex128, shape.NX*shape.NY*shape.NC)}, nil
}

// Shape returns the cube extent.
func (c *ComplexCube) Shape() Shape { return c.shape }

func (c *ComplexCube) index(x, y, ch int) int {
	return (x*c.shape.NY+y)*c.shape.NC + ch
}

// At returns the value at pixel (x, y) in channel ch.
func (c *ComplexCube) At(x, y, ch int) complex128 { return c.data[c.index(x, y, ch)] }

// Set assigns the value at pixel (x, y) in channel ch.
func (c *ComplexCube) Set(x, y, ch int, v complex128) { c.data[c.index(x, y, ch)] = v }

// Pixel returns a copy of all channel values at (x, y).
func (c *ComplexCube) Pixel(x, y int) []complex128 {
	out := make([]complex128, c.shape.NC)
	i := c.index(x, y, 0)
	copy(out, c.data[i:i+c.shape.NC])
	return out
}

// Power returns |c|^2 as a real cube.
func (c *ComplexCube) Power() *Cube {
	out := &Cube{shape: c.shape, data: make([]float64, len(c.data))}
	for i, v := range c.data {
		re, im := real(v), imag(v)
		out.data[i] = re*re + im*im
	}
	return out
}

// Plane is a 2-D real image.
type Plane struct {
	NX   int       `json:"nx"`
	NY   int       `json:"ny"`
	Data []float64 `json:"data"`
}

// NewPlane returns a zeroed plane.
func NewPlane(nx, ny int) *Plane {
	return &Plane{NX: nx, NY: ny, Data: make([]float64, nx*ny)}
}

// At returns the value at (x, y).
func (p *Plane) At(x, y int) float64 { return p.Data[x*p.NY+y] }

// Set assigns the value at (x, y).
func (p *Plane) Set(x, y int, v float64) { p.Data[x*p.NY+y] = v }

// Max returns the largest value in the plane.
func (p *Plane) Max() float64 {
	if len(p.Data) == 0 {
		return math.NaN()
	}
	return floats.Max(p.Data)
}
