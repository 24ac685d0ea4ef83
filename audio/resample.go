package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a continuous mono stream between two rates. The filter
// holds back a few milliseconds of output; those samples come out of later
// Process calls or of Flush.
type Resampler struct {
	from, to int
	r        resampling.Resampler
}

// NewResampler creates a stream resampler from one rate to another.
func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates %d -> %d", from, to)
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	return &Resampler{from: from, to: to, r: r}, nil
}

// InputRate returns the rate Process expects.
func (r *Resampler) InputRate() int {
	return r.from
}

// Process feeds samples and returns whatever output is ready.
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	out, err := r.r.ProcessFloat32(samples)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	return out, nil
}

// Flush returns the held-back tail and resets the stream.
func (r *Resampler) Flush() ([]float32, error) {
	tail, err := r.r.Flush()
	r.r.Reset()
	if err != nil {
		return nil, fmt.Errorf("audio: flush resampler: %w", err)
	}
	out := make([]float32, len(tail))
	for i, s := range tail {
		out[i] = float32(s)
	}
	return out, nil
}

// Reset drops any held-back samples.
func (r *Resampler) Reset() {
	r.r.Reset()
}

// Resample converts a complete mono buffer from one sample rate to another.
// The result holds exactly round(len*to/from) samples. Equal rates return
// the input unchanged.
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}

	r, err := NewResampler(from, to)
	if err != nil {
		return nil, err
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, err
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	out = append(out, tail...)

	want := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if len(out) > want {
		return out[:want], nil
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return out, nil
}
