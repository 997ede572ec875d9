package simulate

import (
	"context"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/nvandessel/moffcal/internal/array"
	"gonum.org/v1/gonum/dsp/fourier"
)

func testConfig() Config {
	return Config{
		CenterFrequency: 150e6,
		Channels:        4,
		ChannelWidth:    40e3,
		Source:          Source{Flux: 2},
	}
}

func testPositions() [][3]float64 {
	return [][3]float64{{0, 0, 0}, {3, 1, 0}, {-2, 5, 0}}
}

func TestNew_Validation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero channels", func(c *Config) { c.Channels = 0 }},
		{"zero width", func(c *Config) { c.ChannelWidth = 0 }},
		{"zero frequency", func(c *Config) { c.CenterFrequency = 0 }},
		{"negative flux", func(c *Config) { c.Source.Flux = -1 }},
		{"below horizon", func(c *Config) { c.Source = Source{L: 0.9, M: 0.9, Flux: 1} }},
		{"negative noise", func(c *Config) { c.NoiseRMS = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, testPositions(), rng); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := New(testConfig(), nil, rng); err == nil {
		t.Error("expected error for no positions")
	}
	if _, err := New(testConfig(), testPositions(), nil); err == nil {
		t.Error("expected error for nil rng")
	}
}

func TestChannelFrequencies(t *testing.T) {
	f := ChannelFrequencies(150e6, 40e3, 4)
	want := []float64{150e6 - 80e3, 150e6 - 40e3, 150e6, 150e6 + 40e3}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("f[%d] = %f, want %f", i, f[i], want[i])
		}
	}
}

func TestSampleTimes(t *testing.T) {
	times := SampleTimes(40e3, 4)
	dt := 1 / 160e3
	if math.Abs(times[3]-3*dt) > 1e-15 {
		t.Errorf("times[3] = %g, want %g", times[3], 3*dt)
	}
}

func TestSimulate_OnAxisNoiseless(t *testing.T) {
	sim, err := New(testConfig(), testPositions(), rand.New(rand.NewPCG(7, 7)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	integ, err := sim.Simulate(context.Background())
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(integ.SampleTimes) != 4 {
		t.Fatalf("got %d sample times, want 4", len(integ.SampleTimes))
	}
	for _, pol := range array.Polarizations {
		if len(integ.Voltages[pol]) != 3 {
			t.Fatalf("%s: got %d antennas, want 3", pol, len(integ.Voltages[pol]))
		}
	}

	// On-axis source: every antenna sees the same spectrum with power = flux.
	fft := fourier.NewCmplxFFT(4)
	ref := fft.Coefficients(nil, integ.Voltages[array.P1][0])
	for a := 1; a < 3; a++ {
		got := fft.Coefficients(nil, integ.Voltages[array.P1][a])
		for k := range got {
			if cmplx.Abs(got[k]-ref[k]) > 1e-9 {
				t.Errorf("antenna %d channel %d = %v, want %v", a, k, got[k], ref[k])
			}
		}
	}
	for k, v := range ref {
		if p := real(v)*real(v) + imag(v)*imag(v); math.Abs(p-2) > 1e-9 {
			t.Errorf("channel %d power = %f, want 2", k, p)
		}
	}
}

func TestSimulate_FreshRealizations(t *testing.T) {
	sim, err := New(testConfig(), testPositions(), rand.New(rand.NewPCG(3, 4)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := sim.Simulate(context.Background())
	b, _ := sim.Simulate(context.Background())

	same := true
	for j := range a.Voltages[array.P1][0] {
		if a.Voltages[array.P1][0][j] != b.Voltages[array.P1][0][j] {
			same = false
		}
	}
	if same {
		t.Error("consecutive integrations are identical")
	}
}

func TestSimulate_OffAxisPhase(t *testing.T) {
	cfg := testConfig()
	cfg.Source = Source{L: 0.1, Flux: 1}
	cfg.Polarizations = []array.Polarization{array.P1}
	positions := [][3]float64{{0, 0, 0}, {2, 0, 0}}

	sim, err := New(cfg, positions, rand.New(rand.NewPCG(5, 6)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	integ, _ := sim.Simulate(context.Background())
	if _, ok := integ.Voltages[array.P2]; ok {
		t.Error("P2 simulated although only P1 was requested")
	}

	fft := fourier.NewCmplxFFT(4)
	s0 := fft.Coefficients(nil, integ.Voltages[array.P1][0])
	s1 := fft.Coefficients(nil, integ.Voltages[array.P1][1])
	freqs := sim.Frequencies()
	for k := range s0 {
		want := 2 * math.Pi * 2 * 0.1 * freqs[k] / SpeedOfLight
		got := cmplx.Phase(s1[k] / s0[k])
		diff := math.Remainder(got-want, 2*math.Pi)
		if math.Abs(diff) > 1e-9 {
			t.Errorf("channel %d phase = %f, want %f", k, got, want)
		}
	}
}

func TestSimulate_Cancelled(t *testing.T) {
	sim, _ := New(testConfig(), testPositions(), rand.New(rand.NewPCG(1, 1)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Simulate(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestSimulate_NoiseAddsPower(t *testing.T) {
	cfg := testConfig()
	cfg.Source.Flux = 0
	cfg.NoiseRMS = 1
	sim, _ := New(cfg, testPositions(), rand.New(rand.NewPCG(9, 9)))
	integ, _ := sim.Simulate(context.Background())

	var power float64
	for _, v := range integ.Voltages[array.P1][0] {
		power += real(v)*real(v) + imag(v)*imag(v)
	}
	if power == 0 {
		t.Error("noise-only integration has zero power")
	}
}
