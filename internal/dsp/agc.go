package dsp

import (
	"math"

	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

// AGCParams tunes a LevelEstimator.
type AGCParams struct {
	TargetRMS  float64
	NoiseFloor float64
	MinGain    float64
	MaxGain    float64
	Window     int
}

// Defaults for each capture source. Loopback content is usually mastered
// hot, so it gets a lower target and a tighter gain ceiling.
var (
	MicAGC      = AGCParams{TargetRMS: 16000, NoiseFloor: 50, MinGain: 0.5, MaxGain: 12, Window: 50}
	LoopbackAGC = AGCParams{TargetRMS: 8000, NoiseFloor: 100, MinGain: 0.5, MaxGain: 6, Window: 50}
)

// LevelEstimator tracks a rolling window of chunk RMS values and derives the
// gain that brings their average to the target level.
type LevelEstimator struct {
	params  AGCParams
	history []float64
	next    int
	full    bool
	gain    float64
}

// NewLevelEstimator returns an estimator with empty history and unity gain.
func NewLevelEstimator(p AGCParams) *LevelEstimator {
	if p.Window <= 0 {
		p.Window = 1
	}
	return &LevelEstimator{
		params:  p,
		history: make([]float64, p.Window),
		gain:    1.0,
	}
}

// Gain returns the most recently computed gain.
func (e *LevelEstimator) Gain() float64 { return e.gain }

// Estimate folds the RMS of samples into the window and returns the gain to
// apply. Chunks at or below the noise floor are not recorded and leave the
// gain unchanged.
func (e *LevelEstimator) Estimate(samples []int16) float64 {
	rms := RMS(samples)
	if rms > e.params.NoiseFloor {
		e.history[e.next] = rms
		e.next++
		if e.next == len(e.history) {
			e.next = 0
			e.full = true
		}
	}

	n := e.next
	if e.full {
		n = len(e.history)
	}
	if n == 0 {
		return e.gain
	}

	var sum float64
	for _, v := range e.history[:n] {
		sum += v
	}
	avg := sum / float64(n)
	if avg > 0 {
		e.gain = math.Min(e.params.MaxGain, math.Max(e.params.MinGain, e.params.TargetRMS/avg))
	}
	return e.gain
}

// Reset clears the history and returns the gain to unity.
func (e *LevelEstimator) Reset() {
	clear(e.history)
	e.next = 0
	e.full = false
	e.gain = 1.0
}

// RMS is the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ApplyGain returns a copy of samples scaled by gain and saturated to int16.
func ApplyGain(samples []int16, gain float64) []int16 {
	out := make([]int16, len(samples))
	if gain == 1.0 {
		copy(out, samples)
		return out
	}
	for i, s := range samples {
		out[i] = pcm.Clamp(float64(s) * gain)
	}
	return out
}
