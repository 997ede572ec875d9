// Package simulate synthesizes antenna voltage time series for a single
// point source plus receiver noise.
package simulate

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"time"

	"github.com/nvandessel/moffcal/internal/array"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat/distuv"
)

// SpeedOfLight in metres per second.
const SpeedOfLight = 299792458.0

// Source is a point source at direction cosines (L, M).
type Source struct {
	L    float64 `json:"l" yaml:"l"`
	M    float64 `json:"m" yaml:"m"`
	Flux float64 `json:"flux" yaml:"flux"`
}

// Config describes the band and sky of a simulation.
type Config struct {
	CenterFrequency float64 // Hz
	Channels        int
	ChannelWidth    float64 // Hz
	Source          Source
	NoiseRMS        float64 // per-channel complex noise amplitude; 0 is noiseless
	Polarizations   []array.Polarization
}

// Integration is one simulated snapshot of every antenna.
type Integration struct {
	Timestamp   time.Time
	SampleTimes []float64
	// Voltages[pol][antenna][sample]
	Voltages map[array.Polarization][][]complex128
}

// Simulator produces a fresh, independent integration on every call.
// It is not safe for concurrent use.
type Simulator struct {
	cfg       Config
	positions [][3]float64
	freqs     []float64
	times     []float64
	rng       *rand.Rand
	noise     distuv.Normal
	fft       *fourier.CmplxFFT
	now       func() time.Time
}

// New creates a simulator for antennas at the given positions.
func New(cfg Config, positions [][3]float64, rng *rand.Rand) (*Simulator, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", cfg.Channels)
	}
	if cfg.ChannelWidth <= 0 {
		return nil, fmt.Errorf("channel width must be positive, got %g", cfg.ChannelWidth)
	}
	if cfg.CenterFrequency <= 0 {
		return nil, fmt.Errorf("center frequency must be positive, got %g", cfg.CenterFrequency)
	}
	if cfg.Source.Flux < 0 {
		return nil, fmt.Errorf("source flux must be non-negative, got %g", cfg.Source.Flux)
	}
	if cfg.Source.L*cfg.Source.L+cfg.Source.M*cfg.Source.M > 1 {
		return nil, fmt.Errorf("source (l=%g, m=%g) is below the horizon", cfg.Source.L, cfg.Source.M)
	}
	if cfg.NoiseRMS < 0 {
		return nil, fmt.Errorf("noise rms must be non-negative, got %g", cfg.NoiseRMS)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("no antenna positions")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if len(cfg.Polarizations) == 0 {
		cfg.Polarizations = array.Polarizations
	}

	s := &Simulator{
		cfg:       cfg,
		positions: positions,
		freqs:     ChannelFrequencies(cfg.CenterFrequency, cfg.ChannelWidth, cfg.Channels),
		times:     SampleTimes(cfg.ChannelWidth, cfg.Channels),
		rng:       rng,
		noise:     distuv.Normal{Mu: 0, Sigma: cfg.NoiseRMS / math.Sqrt2, Src: rng},
		fft:       fourier.NewCmplxFFT(cfg.Channels),
		now:       time.Now,
	}
	return s, nil
}

// ChannelFrequencies returns the centre frequency of each channel.
// Channel k is FFT bin k of the sampled band.
func ChannelFrequencies(center, width float64, n int) []float64 {
	f := make([]float64, n)
	for k := range f {
		f[k] = center + float64(k-n/2)*width
	}
	return f
}

// SampleTimes returns n sample times at the Nyquist interval for n channels
// of the given width.
func SampleTimes(width float64, n int) []float64 {
	dt := 1 / (float64(n) * width)
	t := make([]float64, n)
	for j := range t {
		t[j] = float64(j) * dt
	}
	return t
}

// Frequencies returns the channel frequencies in Hz.
func (s *Simulator) Frequencies() []float64 {
	out := make([]float64, len(s.freqs))
	copy(out, s.freqs)
	return out
}

// Simulate draws one integration. Every call uses a new random signal phase
// per channel and new noise; nothing is reused across calls.
func (s *Simulator) Simulate(ctx context.Context) (*Integration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := s.cfg.Channels
	amp := math.Sqrt(s.cfg.Source.Flux)
	src := s.cfg.Source

	// Geometric phase of each antenna for each channel.
	geom := make([][]complex128, len(s.positions))
	for a, pos := range s.positions {
		geom[a] = make([]complex128, n)
		for k, f := range s.freqs {
			phase := 2 * math.Pi * (pos[0]*src.L + pos[1]*src.M) * f / SpeedOfLight
			geom[a][k] = cmplx.Rect(1, phase)
		}
	}

	out := &Integration{
		Timestamp:   s.now(),
		SampleTimes: append([]float64(nil), s.times...),
		Voltages:    make(map[array.Polarization][][]complex128, len(s.cfg.Polarizations)),
	}

	spectrum := make([]complex128, n)
	for _, pol := range s.cfg.Polarizations {
		signal := make([]complex128, n)
		for k := range signal {
			signal[k] = cmplx.Rect(amp, 2*math.Pi*s.rng.Float64())
		}

		volts := make([][]complex128, len(s.positions))
		for a := range s.positions {
			for k := range spectrum {
				spectrum[k] = signal[k] * geom[a][k]
				if s.cfg.NoiseRMS > 0 {
					spectrum[k] += complex(s.noise.Rand(), s.noise.Rand())
				}
			}
			seq := s.fft.Sequence(nil, spectrum)
			for j := range seq {
				seq[j] /= complex(float64(n), 0)
			}
			volts[a] = seq
		}
		out.Voltages[pol] = volts
	}

	return out, nil
}
