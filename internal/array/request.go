package array

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidRequest is returned for update requests that fail validation.
var ErrInvalidRequest = errors.New("invalid update request")

// Polarization names one of the two feed polarizations.
type Polarization string

const (
	P1 Polarization = "P1"
	P2 Polarization = "P2"
)

// Polarizations lists the supported polarizations in canonical order.
var Polarizations = []Polarization{P1, P2}

// Valid reports whether p is a known polarization.
func (p Polarization) Valid() bool {
	return p == P1 || p == P2
}

// Action tells the array what to do with an antenna's record.
type Action string

// ActionModify replaces the antenna's samples for this integration.
const ActionModify Action = "modify"

// GridMethod selects the aperture gridding kernel.
type GridMethod string

// GridNearest snaps each antenna to its nearest grid cell.
const GridNearest GridMethod = "NN"

// Frequency scaling modes for the aperture grid.
const (
	// ScaleFrequency places antennas in units of wavelength at each channel.
	ScaleFrequency = "scale"
	// NoScale uses the same cell for every channel.
	NoScale = "noscale"
)

// GridConfig carries the gridding settings for one antenna.
type GridConfig struct {
	Method GridMethod `json:"method"`

	// DistNN is the aperture cell size in metres at the center frequency.
	DistNN float64 `json:"dist_nn"`

	// Tolerance is the fraction of a cell around a cell boundary inside
	// which an antenna snaps to the cell nearer the grid origin instead of
	// the nearest one. 0.5 or more truncates every offset.
	Tolerance float64 `json:"tolerance"`

	// FreqScaling is ScaleFrequency (the default when empty) or NoScale.
	FreqScaling string `json:"freq_scaling"`
}

// Scaled reports whether cell positions follow the channel frequency.
func (g GridConfig) Scaled() bool { return g.FreqScaling != NoScale }

// Validate checks the gridding configuration.
func (g GridConfig) Validate() error {
	if g.Method != GridNearest {
		return fmt.Errorf("unsupported grid method %q", g.Method)
	}
	if g.DistNN <= 0 {
		return fmt.Errorf("dist_nn must be positive, got %g", g.DistNN)
	}
	if g.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %g", g.Tolerance)
	}
	switch g.FreqScaling {
	case "", ScaleFrequency, NoScale:
	default:
		return fmt.Errorf("unsupported frequency scaling %q", g.FreqScaling)
	}
	return nil
}

// Illumination lookups.
const (
	// LookupUniform is an isotropic radiator: weight 1 on both feeds.
	LookupUniform = "uniform"
	// LookupDipole is a short dipole whose response on a feed is the
	// projection of its orientation onto that feed's axis.
	LookupDipole = "dipole"
)

// WeightsInfo describes the aperture illumination pattern of one element.
type WeightsInfo struct {
	Orientation float64 `json:"orientation"` // degrees from the P1 axis
	Lookup      string  `json:"lookup"`
}

// Weight returns the illumination amplitude of the element on polarization p.
func (w WeightsInfo) Weight(p Polarization) (float64, error) {
	switch w.Lookup {
	case "", LookupUniform:
		return 1, nil
	case LookupDipole:
		theta := w.Orientation * math.Pi / 180
		if p == P2 {
			return math.Abs(math.Sin(theta)), nil
		}
		return math.Abs(math.Cos(theta)), nil
	default:
		return 0, fmt.Errorf("unknown illumination lookup %q", w.Lookup)
	}
}

// PolarizationData is one polarization's contribution to an update.
type PolarizationData struct {
	Samples []complex128 `json:"samples"`
	Flagged bool         `json:"flagged"`

	// Weights lists the elements of the antenna; its gridding weight is
	// their mean illumination. Empty means a single uniform element.
	Weights []WeightsInfo `json:"weights,omitempty"`
}

// Weight returns the antenna's gridding weight on polarization p.
func (d *PolarizationData) Weight(p Polarization) (float64, error) {
	if len(d.Weights) == 0 {
		return 1, nil
	}
	var sum float64
	for _, w := range d.Weights {
		v, err := w.Weight(p)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(d.Weights)), nil
}

// UpdateRequest is everything the array needs to ingest one antenna's
// samples for one integration. Build it with NewUpdateRequest.
type UpdateRequest struct {
	Label       string            `json:"label"`
	Action      Action            `json:"action"`
	Timestamp   time.Time         `json:"timestamp"`
	SampleTimes []float64         `json:"sample_times"`
	P1          *PolarizationData `json:"p1,omitempty"`
	P2          *PolarizationData `json:"p2,omitempty"`
	Grid        GridConfig        `json:"grid"`
}

// NewUpdateRequest builds and validates a modify request for one antenna.
func NewUpdateRequest(label string, ts time.Time, sampleTimes []float64, grid GridConfig, p1, p2 *PolarizationData) (*UpdateRequest, error) {
	req := &UpdateRequest{
		Label:       label,
		Action:      ActionModify,
		Timestamp:   ts,
		SampleTimes: sampleTimes,
		P1:          p1,
		P2:          p2,
		Grid:        grid,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Pol returns the data for polarization p, or nil when absent.
func (r *UpdateRequest) Pol(p Polarization) *PolarizationData {
	switch p {
	case P1:
		return r.P1
	case P2:
		return r.P2
	default:
		return nil
	}
}

// Validate checks that the request is complete and self-consistent.
func (r *UpdateRequest) Validate() error {
	if r.Label == "" {
		return fmt.Errorf("%w: empty antenna label", ErrInvalidRequest)
	}
	if r.Action != ActionModify {
		return fmt.Errorf("%w: %s: unsupported action %q", ErrInvalidRequest, r.Label, r.Action)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s: missing timestamp", ErrInvalidRequest, r.Label)
	}
	if len(r.SampleTimes) == 0 {
		return fmt.Errorf("%w: %s: no sample times", ErrInvalidRequest, r.Label)
	}
	if r.P1 == nil && r.P2 == nil {
		return fmt.Errorf("%w: %s: no polarization data", ErrInvalidRequest, r.Label)
	}
	for _, p := range Polarizations {
		d := r.Pol(p)
		if d == nil {
			continue
		}
		if len(d.Samples) != len(r.SampleTimes) {
			return fmt.Errorf("%w: %s: %s has %d samples for %d sample times",
				ErrInvalidRequest, r.Label, p, len(d.Samples), len(r.SampleTimes))
		}
		if _, err := d.Weight(p); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrInvalidRequest, r.Label, p, err)
		}
	}
	if err := r.Grid.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRequest, r.Label, err)
	}
	return nil
}
