package array

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/nvandessel/moffcal/internal/workpool"
	"gonum.org/v1/gonum/dsp/fourier"
)

func testGrid() GridConfig {
	return GridConfig{Method: GridNearest, DistNN: 1, Tolerance: 1e-6, FreqScaling: "scale"}
}

// timeSeries returns samples whose forward transform is spectrum.
func timeSeries(spectrum []complex128) []complex128 {
	n := len(spectrum)
	seq := fourier.NewCmplxFFT(n).Sequence(nil, spectrum)
	for i := range seq {
		seq[i] /= complex(float64(n), 0)
	}
	return seq
}

func newTestArray(t *testing.T, channels int) *Array {
	t.Helper()
	ants := []Antenna{
		{ID: 2, Label: "A2", Position: [3]float64{1, 0, 0}},
		{ID: 1, Label: "A1", Position: [3]float64{0, 1, 0}},
	}
	arr, err := New(ants, Options{Channels: channels, CenterFrequency: 150e6})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return arr
}

func TestNew_SortsAndRejectsDuplicates(t *testing.T) {
	arr := newTestArray(t, 4)
	if got := arr.Antennas()[0].Label; got != "A1" {
		t.Errorf("first antenna = %s, want A1", got)
	}
	if arr.Positions()[0] != [3]float64{0, 1, 0} {
		t.Errorf("positions not in label order: %v", arr.Positions())
	}

	dup := []Antenna{{Label: "A1"}, {Label: "A1"}}
	if _, err := New(dup, Options{Channels: 4}); err == nil {
		t.Error("expected duplicate label error")
	}
	if _, err := New(nil, Options{Channels: 4}); err == nil {
		t.Error("expected error for empty array")
	}
}

func TestUpdate_Channelizes(t *testing.T) {
	arr := newTestArray(t, 4)
	ts := time.Now()
	sampleTimes := []float64{0, 1, 2, 3}

	specA1 := []complex128{1, 2i, -1, 0.5}
	specA2 := []complex128{0, 1, 1, 1}

	r1, err := NewUpdateRequest("A1", ts, sampleTimes, testGrid(),
		&PolarizationData{Samples: timeSeries(specA1)}, &PolarizationData{Samples: timeSeries(specA2), Flagged: true})
	if err != nil {
		t.Fatalf("NewUpdateRequest: %v", err)
	}
	r2, err := NewUpdateRequest("A2", ts, sampleTimes, testGrid(),
		&PolarizationData{Samples: timeSeries(specA2)}, &PolarizationData{Samples: timeSeries(specA1)})
	if err != nil {
		t.Fatalf("NewUpdateRequest: %v", err)
	}

	if err := arr.Update(context.Background(), workpool.New(2), []*UpdateRequest{r1, r2}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	m, err := arr.EFields(P1)
	if err != nil {
		t.Fatalf("EFields: %v", err)
	}
	for c, want := range specA1 {
		if cmplx.Abs(m.At(0, c)-want) > 1e-12 {
			t.Errorf("A1 P1 channel %d = %v, want %v", c, m.At(0, c), want)
		}
	}

	aps, err := arr.Apertures(P2)
	if err != nil {
		t.Fatalf("Apertures(P2): %v", err)
	}
	if !aps[0].Flagged || aps[1].Flagged {
		t.Errorf("P2 flags = %v / %v, want A1 only", aps[0].Flagged, aps[1].Flagged)
	}
	if !arr.Timestamp().Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", arr.Timestamp(), ts)
	}
}

func TestUpdate_Rejects(t *testing.T) {
	arr := newTestArray(t, 4)
	ts := time.Now()
	data := &PolarizationData{Samples: make([]complex128, 4)}

	good, _ := NewUpdateRequest("A1", ts, make([]float64, 4), testGrid(), data, nil)
	unknown, _ := NewUpdateRequest("A9", ts, make([]float64, 4), testGrid(), data, nil)
	short, _ := NewUpdateRequest("A2", ts, make([]float64, 2), testGrid(),
		&PolarizationData{Samples: make([]complex128, 2)}, nil)

	tests := []struct {
		name string
		reqs []*UpdateRequest
	}{
		{"unknown antenna", []*UpdateRequest{unknown}},
		{"duplicate antenna", []*UpdateRequest{good, good}},
		{"sample count mismatch", []*UpdateRequest{short}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := arr.Update(context.Background(), workpool.New(1), tt.reqs)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Update error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEFields_MissingData(t *testing.T) {
	arr := newTestArray(t, 4)
	if _, err := arr.EFields(P1); err == nil {
		t.Error("expected error before any update")
	}
	if _, err := arr.EFields("P3"); err == nil {
		t.Error("expected error for unknown polarization")
	}
	if _, err := arr.Apertures(P1); err == nil {
		t.Error("expected Apertures error before any update")
	}
}

func TestApertures_CarryLatestUpdate(t *testing.T) {
	arr := newTestArray(t, 2)
	ts := time.Now()
	times := []float64{0, 1}

	coarse := GridConfig{Method: GridNearest, DistNN: 4, Tolerance: 0.25, FreqScaling: NoScale}
	dipole := []WeightsInfo{{Orientation: 60, Lookup: LookupDipole}}
	r1, _ := NewUpdateRequest("A1", ts, times, coarse,
		&PolarizationData{Samples: make([]complex128, 2), Weights: dipole}, nil)
	r2, _ := NewUpdateRequest("A2", ts, times, testGrid(),
		&PolarizationData{Samples: make([]complex128, 2), Flagged: true}, nil)

	if err := arr.Update(context.Background(), workpool.New(2), []*UpdateRequest{r1, r2}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	aps, err := arr.Apertures(P1)
	if err != nil {
		t.Fatalf("Apertures: %v", err)
	}
	if len(aps) != 2 {
		t.Fatalf("got %d apertures, want 2", len(aps))
	}

	a1, a2 := aps[0], aps[1]
	if a1.Label != "A1" || a1.Position != [3]float64{0, 1, 0} {
		t.Errorf("first aperture = %+v, want A1 at (0,1,0)", a1)
	}
	if a1.Grid != coarse {
		t.Errorf("A1 grid = %+v, want %+v", a1.Grid, coarse)
	}
	if math.Abs(a1.Weight-0.5) > 1e-12 {
		t.Errorf("A1 dipole weight = %g, want 0.5", a1.Weight)
	}
	if a2.Grid != testGrid() || a2.Weight != 1 || !a2.Flagged {
		t.Errorf("A2 aperture = %+v", a2)
	}
}
