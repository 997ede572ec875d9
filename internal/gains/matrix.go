// Package gains provides the per-antenna, per-channel complex matrix used for
// gain solutions and for channelized antenna voltages.
package gains

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Matrix holds one complex value per (antenna, channel) cell.
// The shape is fixed at construction; values are stored row-major by antenna.
type Matrix struct {
	antennas int
	channels int
	data     []complex128
}

// New returns a zero-valued matrix with the given shape.
func New(antennas, channels int) (*Matrix, error) {
	if antennas <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid gain matrix shape %dx%d", antennas, channels)
	}
	return &Matrix{
		antennas: antennas,
		channels: channels,
		data:     make([]complex128, antennas*channels),
	}, nil
}

// Ones returns a matrix with every cell set to 1+0i.
func Ones(antennas, channels int) (*Matrix, error) {
	m, err := New(antennas, channels)
	if err != nil {
		return nil, err
	}
	for i := range m.data {
		m.data[i] = 1
	}
	return m, nil
}

// FromRows builds a matrix from antenna rows. All rows must have equal length.
func FromRows(rows [][]complex128) (*Matrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	m, err := New(len(rows), len(rows[0]))
	if err != nil {
		return nil, err
	}
	for a, row := range rows {
		if len(row) != m.channels {
			return nil, fmt.Errorf("row %d has %d channels, want %d", a, len(row), m.channels)
		}
		copy(m.data[a*m.channels:], row)
	}
	return m, nil
}

// Dims returns (antennas, channels).
func (m *Matrix) Dims() (int, int) {
	return m.antennas, m.channels
}

// At returns the value for antenna a, channel c.
func (m *Matrix) At(a, c int) complex128 {
	return m.data[a*m.channels+c]
}

// Set assigns the value for antenna a, channel c.
func (m *Matrix) Set(a, c int, v complex128) {
	m.data[a*m.channels+c] = v
}

// Row returns a copy of antenna a's channel values.
func (m *Matrix) Row(a int) []complex128 {
	row := make([]complex128, m.channels)
	copy(row, m.data[a*m.channels:(a+1)*m.channels])
	return row
}

// SetRow overwrites every channel of antenna a with v.
func (m *Matrix) SetRow(a int, v complex128) {
	for c := 0; c < m.channels; c++ {
		m.data[a*m.channels+c] = v
	}
}

// Rows returns a deep copy of the matrix as antenna rows.
func (m *Matrix) Rows() [][]complex128 {
	rows := make([][]complex128, m.antennas)
	for a := range rows {
		rows[a] = m.Row(a)
	}
	return rows
}

// Clone returns an independent copy.
func (m *Matrix) Clone() *Matrix {
	data := make([]complex128, len(m.data))
	copy(data, m.data)
	return &Matrix{antennas: m.antennas, channels: m.channels, data: data}
}

// CopyFrom overwrites m with the values of src. Shapes must match.
func (m *Matrix) CopyFrom(src *Matrix) error {
	if !m.SameShape(src) {
		return fmt.Errorf("shape mismatch: %dx%d vs %dx%d", m.antennas, m.channels, src.antennas, src.channels)
	}
	copy(m.data, src.data)
	return nil
}

// SameShape reports whether m and o have identical dimensions.
func (m *Matrix) SameShape(o *Matrix) bool {
	return o != nil && m.antennas == o.antennas && m.channels == o.channels
}

// HasNaN reports whether any real or imaginary part is NaN.
func (m *Matrix) HasNaN() bool {
	for _, v := range m.data {
		if cmplx.IsNaN(v) {
			return true
		}
	}
	return false
}

// Sub returns m - o elementwise.
func (m *Matrix) Sub(o *Matrix) (*Matrix, error) {
	if !m.SameShape(o) {
		return nil, fmt.Errorf("shape mismatch: %dx%d vs %dx%d", m.antennas, m.channels, o.antennas, o.channels)
	}
	out := m.Clone()
	for i, v := range o.data {
		out.data[i] -= v
	}
	return out, nil
}

// FrobeniusNorm returns sqrt(sum |m_ij|^2).
func (m *Matrix) FrobeniusNorm() float64 {
	var sum float64
	for _, v := range m.data {
		re, im := real(v), imag(v)
		sum += re*re + im*im
	}
	return math.Sqrt(sum)
}

// DistanceTo returns ||m - o||_F. Returns NaN when the shapes differ.
func (m *Matrix) DistanceTo(o *Matrix) float64 {
	d, err := m.Sub(o)
	if err != nil {
		return math.NaN()
	}
	return d.FrobeniusNorm()
}
