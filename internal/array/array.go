package array

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nvandessel/moffcal/internal/gains"
	"github.com/nvandessel/moffcal/internal/workpool"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Options describes the spectral setup of an array.
type Options struct {
	CenterFrequency float64 // Hz
	Channels        int
}

type antennaState struct {
	fields  [2][]complex128
	flagged [2]bool
	weight  [2]float64
	updated [2]bool
	grid    GridConfig
}

// Aperture is how one antenna enters the aperture grid for a polarization,
// as set by its latest update.
type Aperture struct {
	Label    string
	Position [3]float64
	Grid     GridConfig
	Weight   float64
	Flagged  bool
}

// Array holds the antennas in label order and the latest channelized
// voltages for each of them.
type Array struct {
	opts      Options
	antennas  []Antenna
	index     map[string]int
	state     []antennaState
	timestamp time.Time
}

// New builds an array. Antennas are sorted by label; labels must be unique.
func New(ants []Antenna, opts Options) (*Array, error) {
	if len(ants) == 0 {
		return nil, fmt.Errorf("array needs at least one antenna")
	}
	if opts.Channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", opts.Channels)
	}

	sorted := slices.Clone(ants)
	slices.SortFunc(sorted, func(a, b Antenna) int { return strings.Compare(a.Label, b.Label) })

	index := make(map[string]int, len(sorted))
	for i, a := range sorted {
		if _, dup := index[a.Label]; dup {
			return nil, fmt.Errorf("duplicate antenna label %s", a.Label)
		}
		index[a.Label] = i
	}

	return &Array{
		opts:     opts,
		antennas: sorted,
		index:    index,
		state:    make([]antennaState, len(sorted)),
	}, nil
}

// Len returns the number of antennas.
func (a *Array) Len() int { return len(a.antennas) }

// Channels returns the number of frequency channels.
func (a *Array) Channels() int { return a.opts.Channels }

// Options returns the array setup.
func (a *Array) Options() Options { return a.opts }

// Antennas returns a copy of the antennas in label order.
func (a *Array) Antennas() []Antenna { return slices.Clone(a.antennas) }

// Positions returns antenna positions in label order.
func (a *Array) Positions() [][3]float64 {
	out := make([][3]float64, len(a.antennas))
	for i, ant := range a.antennas {
		out[i] = ant.Position
	}
	return out
}

// Timestamp returns the timestamp of the last successful update.
func (a *Array) Timestamp() time.Time { return a.timestamp }

func polIndex(p Polarization) int {
	if p == P2 {
		return 1
	}
	return 0
}

// Update ingests one request per antenna. Requests are validated up front;
// channelization of each antenna then runs on the pool, and Update returns
// only after every antenna has been processed.
func (a *Array) Update(ctx context.Context, pool *workpool.Pool, reqs []*UpdateRequest) error {
	slots := make([]int, len(reqs))
	seen := make(map[int]bool, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return err
		}
		idx, ok := a.index[req.Label]
		if !ok {
			return fmt.Errorf("%w: unknown antenna %s", ErrInvalidRequest, req.Label)
		}
		if seen[idx] {
			return fmt.Errorf("%w: duplicate request for %s", ErrInvalidRequest, req.Label)
		}
		seen[idx] = true
		if len(req.SampleTimes) != a.opts.Channels {
			return fmt.Errorf("%w: %s: %d samples, array has %d channels",
				ErrInvalidRequest, req.Label, len(req.SampleTimes), a.opts.Channels)
		}
		slots[i] = idx
	}

	// Each task writes only its own antenna slot.
	tasks := make([]workpool.Task, len(reqs))
	for i, req := range reqs {
		st := &a.state[slots[i]]
		tasks[i] = func(ctx context.Context) error {
			fft := fourier.NewCmplxFFT(a.opts.Channels)
			for _, p := range Polarizations {
				d := req.Pol(p)
				if d == nil {
					continue
				}
				w, err := d.Weight(p)
				if err != nil {
					return fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req.Label, err)
				}
				k := polIndex(p)
				st.fields[k] = fft.Coefficients(st.fields[k], d.Samples)
				st.flagged[k] = d.Flagged
				st.weight[k] = w
				st.updated[k] = true
			}
			st.grid = req.Grid
			return nil
		}
	}

	if err := pool.Run(ctx, tasks); err != nil {
		return fmt.Errorf("updating antennas: %w", err)
	}

	if len(reqs) > 0 {
		a.timestamp = reqs[0].Timestamp
	}
	return nil
}

// EFields returns the channelized voltages for polarization p as an
// antenna × channel matrix.
func (a *Array) EFields(p Polarization) (*gains.Matrix, error) {
	k, err := a.ready(p)
	if err != nil {
		return nil, err
	}
	m, err := gains.New(len(a.antennas), a.opts.Channels)
	if err != nil {
		return nil, err
	}
	for i := range a.state {
		for c, v := range a.state[i].fields[k] {
			m.Set(i, c, v)
		}
	}
	return m, nil
}

// Apertures returns the gridding setup of every antenna for polarization p,
// in label order.
func (a *Array) Apertures(p Polarization) ([]Aperture, error) {
	k, err := a.ready(p)
	if err != nil {
		return nil, err
	}
	out := make([]Aperture, len(a.antennas))
	for i, ant := range a.antennas {
		st := &a.state[i]
		out[i] = Aperture{
			Label:    ant.Label,
			Position: ant.Position,
			Grid:     st.grid,
			Weight:   st.weight[k],
			Flagged:  st.flagged[k],
		}
	}
	return out, nil
}

// ready checks that every antenna has data for p and returns its slot.
func (a *Array) ready(p Polarization) (int, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("unknown polarization %q", p)
	}
	k := polIndex(p)
	for i := range a.state {
		if !a.state[i].updated[k] {
			return 0, fmt.Errorf("antenna %s has no %s data", a.antennas[i].Label, p)
		}
	}
	return k, nil
}
