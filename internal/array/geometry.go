// Package array models the antenna array: geometry input, per-antenna update
// records and the channelized voltages the imaging pipeline consumes.
package array

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
)

// Antenna is one array element.
type Antenna struct {
	ID       int        `json:"id"`
	Label    string     `json:"label"`
	Position [3]float64 `json:"position"` // east, north, up in metres
}

// LabelFor returns the canonical label for an antenna ID.
func LabelFor(id int) string {
	return fmt.Sprintf("A%d", id)
}

// GeometryOptions controls how a geometry table is read and pre-processed.
type GeometryOptions struct {
	// SkipRows drops this many leading lines before parsing.
	SkipRows int

	// Center subtracts the mean position from every antenna.
	Center bool

	// CoreHalfWidth keeps only antennas with |x| and |y| below this value
	// (after centring). Zero disables the cut.
	CoreHalfWidth float64
}

// LoadGeometry reads an antenna table from a file.
func LoadGeometry(path string, opts GeometryOptions) ([]Antenna, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geometry file: %w", err)
	}
	defer f.Close()

	ants, err := ParseGeometry(f, opts)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ants, nil
}

// ParseGeometry reads a whitespace-delimited table with at least four numeric
// columns: id, x, y, z. Blank lines, '#' comments and lines whose first field
// is not numeric are treated as headers and skipped. A numeric row with fewer
// than four usable columns is an error.
func ParseGeometry(r io.Reader, opts GeometryOptions) ([]Antenna, error) {
	scanner := bufio.NewScanner(r)
	var ants []Antenna
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		if lineNo <= opts.SkipRows {
			continue
		}

		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		id, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue // header line
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 columns, got %d", lineNo, len(fields))
		}

		var pos [3]float64
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(fields[k+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %d: %w", lineNo, k+2, err)
			}
			pos[k] = v
		}

		ants = append(ants, Antenna{
			ID:       int(id),
			Label:    LabelFor(int(id)),
			Position: pos,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading geometry: %w", err)
	}
	if len(ants) == 0 {
		return nil, fmt.Errorf("no antennas found")
	}

	if opts.Center {
		CenterPositions(ants)
	}
	if opts.CoreHalfWidth > 0 {
		ants = CoreCut(ants, opts.CoreHalfWidth)
		if len(ants) == 0 {
			return nil, fmt.Errorf("no antennas within core half-width %.1f m", opts.CoreHalfWidth)
		}
	}

	return ants, nil
}

// CenterPositions subtracts the mean position along each axis in place.
func CenterPositions(ants []Antenna) {
	if len(ants) == 0 {
		return
	}
	var mean [3]float64
	for _, a := range ants {
		for k := 0; k < 3; k++ {
			mean[k] += a.Position[k]
		}
	}
	for k := range mean {
		mean[k] /= float64(len(ants))
	}
	for i := range ants {
		for k := 0; k < 3; k++ {
			ants[i].Position[k] -= mean[k]
		}
	}
}

// CoreCut returns the antennas whose east and north offsets are both strictly
// below halfWidth.
func CoreCut(ants []Antenna, halfWidth float64) []Antenna {
	out := make([]Antenna, 0, len(ants))
	for _, a := range ants {
		if math.Abs(a.Position[0]) < halfWidth && math.Abs(a.Position[1]) < halfWidth {
			out = append(out, a)
		}
	}
	return out
}

// RandomLayout places n antennas uniformly in a square of side extent metres
// centred on the origin, at zero height. IDs run from 1 to n.
func RandomLayout(n int, extent float64, rng *rand.Rand) ([]Antenna, error) {
	if n <= 0 {
		return nil, fmt.Errorf("antenna count must be positive, got %d", n)
	}
	if extent <= 0 {
		return nil, fmt.Errorf("layout extent must be positive, got %f", extent)
	}

	ants := make([]Antenna, n)
	for i := range ants {
		ants[i] = Antenna{
			ID:    i + 1,
			Label: LabelFor(i + 1),
			Position: [3]float64{
				(rng.Float64() - 0.5) * extent,
				(rng.Float64() - 0.5) * extent,
				0,
			},
		}
	}
	return ants, nil
}
