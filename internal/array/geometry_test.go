package array

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTable = `# Antenna locations
# generated for tests
Tile  East  North  Height
11  10.0  20.0  1.0
12  -10.0  -20.0  3.0

13  300.0  0.0  2.0   # outrigger
`

func TestParseGeometry(t *testing.T) {
	ants, err := ParseGeometry(strings.NewReader(sampleTable), GeometryOptions{})
	if err != nil {
		t.Fatalf("ParseGeometry: %v", err)
	}
	if len(ants) != 3 {
		t.Fatalf("got %d antennas, want 3", len(ants))
	}
	if ants[0].Label != "A11" || ants[0].ID != 11 {
		t.Errorf("first antenna = %+v, want label A11", ants[0])
	}
	if ants[2].Position != [3]float64{300, 0, 2} {
		t.Errorf("third position = %v", ants[2].Position)
	}
}

func TestParseGeometry_CenterAndCore(t *testing.T) {
	ants, err := ParseGeometry(strings.NewReader(sampleTable), GeometryOptions{
		Center:        true,
		CoreHalfWidth: 150,
	})
	if err != nil {
		t.Fatalf("ParseGeometry: %v", err)
	}
	// Mean east is 100, so the outrigger sits at +200 and is cut.
	if len(ants) != 2 {
		t.Fatalf("got %d antennas after core cut, want 2", len(ants))
	}
	if math.Abs(ants[0].Position[0]-(-90)) > 1e-9 {
		t.Errorf("centred east = %f, want -90", ants[0].Position[0])
	}
	if math.Abs(ants[1].Position[2]-1) > 1e-9 {
		t.Errorf("centred height = %f, want 1", ants[1].Position[2])
	}
}

func TestParseGeometry_SkipRows(t *testing.T) {
	table := "1 0 0 0\n2 1 1 0\n3 2 2 0\n"
	ants, err := ParseGeometry(strings.NewReader(table), GeometryOptions{SkipRows: 1})
	if err != nil {
		t.Fatalf("ParseGeometry: %v", err)
	}
	if len(ants) != 2 || ants[0].ID != 2 {
		t.Errorf("SkipRows=1 parsed %+v", ants)
	}
}

func TestParseGeometry_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		opts  GeometryOptions
	}{
		{"too few columns", "1 0 0\n", GeometryOptions{}},
		{"bad number", "1 0 x 0\n", GeometryOptions{}},
		{"empty", "# nothing here\n", GeometryOptions{}},
		{"core removes all", "1 500 500 0\n2 -500 -500 0\n", GeometryOptions{Center: false, CoreHalfWidth: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseGeometry(strings.NewReader(tt.input), tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ants.txt")
	if err := os.WriteFile(path, []byte(sampleTable), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ants, err := LoadGeometry(path, GeometryOptions{})
	if err != nil {
		t.Fatalf("LoadGeometry: %v", err)
	}
	if len(ants) != 3 {
		t.Errorf("got %d antennas, want 3", len(ants))
	}

	if _, err := LoadGeometry(filepath.Join(t.TempDir(), "missing.txt"), GeometryOptions{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRandomLayout(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ants, err := RandomLayout(10, 20, rng)
	if err != nil {
		t.Fatalf("RandomLayout: %v", err)
	}
	if len(ants) != 10 {
		t.Fatalf("got %d antennas, want 10", len(ants))
	}
	for _, a := range ants {
		if math.Abs(a.Position[0]) > 10 || math.Abs(a.Position[1]) > 10 {
			t.Errorf("%s outside layout: %v", a.Label, a.Position)
		}
		if a.Position[2] != 0 {
			t.Errorf("%s height = %f, want 0", a.Label, a.Position[2])
		}
	}

	if _, err := RandomLayout(0, 20, rng); err == nil {
		t.Error("expected error for zero antennas")
	}
	if _, err := RandomLayout(3, 0, rng); err == nil {
		t.Error("expected error for zero extent")
	}
}
