package selfcal

import "time"

// Summary is the scalar outline of a Result, as stored and reported.
type Summary struct {
	RunID            string    `json:"run_id"`
	Iterations       int       `json:"iterations"`
	Completed        int       `json:"completed"`
	Diverged         bool      `json:"diverged"`
	AbortedAt        int       `json:"aborted_at"`
	Checkpoints      int       `json:"checkpoints"`
	Antennas         int       `json:"antennas"`
	Channels         int       `json:"channels"`
	InitialGainError float64   `json:"initial_gain_error"`
	FinalGainError   float64   `json:"final_gain_error"`
	PeakPower        float64   `json:"peak_power"`
	StartedAt        time.Time `json:"started_at"`
	DurationMS       int64     `json:"duration_ms"`
}

// Summary condenses the result.
func (r *Result) Summary() Summary {
	s := Summary{
		RunID:       r.RunID,
		Iterations:  r.Iterations,
		Completed:   r.Completed,
		Diverged:    r.Diverged,
		AbortedAt:   r.AbortedAt,
		Checkpoints: len(r.Checkpoints),
		StartedAt:   r.StartedAt,
		DurationMS:  r.Duration.Milliseconds(),
	}
	if r.FinalGains != nil {
		s.Antennas, s.Channels = r.FinalGains.Dims()
		if r.SimGains != nil {
			s.FinalGainError = r.FinalGains.DistanceTo(r.SimGains)
		}
	}
	if len(r.Checkpoints) > 0 {
		s.InitialGainError = r.Checkpoints[0].GainError
	}
	if r.AverageImage != nil {
		s.PeakPower = r.AverageImage.ChannelMean().Max()
	}
	return s
}

// CenterValue returns the channel-mean of the average image at its central
// pixel, or 0 when nothing was averaged.
func (r *Result) CenterValue() float64 {
	if r.AverageImage == nil {
		return 0
	}
	x, y := r.AverageImage.Shape().Center()
	return r.AverageImage.ChannelMean().At(x, y)
}
