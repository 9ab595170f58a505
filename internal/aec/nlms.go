package aec

import (
	"fmt"

	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

const (
	defaultMaxTaps = 1024
	defaultStep    = 0.5
	regularization = 1e-6
	sampleScale    = 32768.0
)

// NLMSFactory builds normalised least-mean-squares echo cancellers. The
// requested filter length is capped at MaxTaps to bound per-sample cost.
type NLMSFactory struct {
	MaxTaps int
	Step    float64
}

// Builtin is the default in-process echo canceller.
var Builtin Factory = NLMSFactory{}

func (NLMSFactory) Available() bool { return true }

func (f NLMSFactory) New(frameSize, filterLength, sampleRate int) (Service, error) {
	if frameSize <= 0 || filterLength <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid echo canceller geometry: frame=%d filter=%d rate=%d",
			frameSize, filterLength, sampleRate)
	}
	taps := filterLength
	maxTaps := f.MaxTaps
	if maxTaps <= 0 {
		maxTaps = defaultMaxTaps
	}
	taps = min(taps, maxTaps)
	step := f.Step
	if step <= 0 {
		step = defaultStep
	}
	return &nlms{
		frameSize: frameSize,
		taps:      taps,
		step:      step,
		weights:   make([]float64, taps),
		history:   make([]float64, 2*taps),
	}, nil
}

type nlms struct {
	frameSize int
	taps      int
	step      float64
	weights   []float64
	// history holds the reference twice so history[pos:pos+taps] is always
	// a contiguous newest-first window.
	history []float64
	pos     int
	power   float64
}

func (n *nlms) Cancel(mic, ref []int16) []int16 {
	out := make([]int16, len(mic))
	for i := range mic {
		var x float64
		if i < len(ref) {
			x = float64(ref[i]) / sampleScale
		}

		n.pos--
		if n.pos < 0 {
			n.pos = n.taps - 1
		}
		oldest := n.history[n.pos]
		n.history[n.pos] = x
		n.history[n.pos+n.taps] = x
		n.power += x*x - oldest*oldest
		if n.power < 0 {
			n.power = 0
		}

		window := n.history[n.pos : n.pos+n.taps]
		var estimate float64
		for k, w := range n.weights {
			estimate += w * window[k]
		}

		e := float64(mic[i])/sampleScale - estimate
		g := n.step * e / (n.power + regularization)
		for k := range n.weights {
			n.weights[k] += g * window[k]
		}
		out[i] = pcm.Clamp(e * sampleScale)
	}
	return out
}
