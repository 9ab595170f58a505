// Package aec removes the loopback reference signal from microphone audio.
//
// The mixer always talks to a Processor. When echo cancellation is disabled
// or no Service can be built, it gets a Passthrough and the mic signal is
// left untouched.
package aec

import (
	"github.com/rs/zerolog"
)

// Service cancels echo for one frame at a time. Cancel receives exactly
// one frame of mic samples and the matching reference samples and returns
// a frame of the same length.
type Service interface {
	Cancel(mic, ref []int16) []int16
}

// Factory builds Services. Available reports whether the backing
// implementation can be used on this system.
type Factory interface {
	Available() bool
	New(frameSize, filterLength, sampleRate int) (Service, error)
}

// Processor is the mixer-facing echo canceller.
type Processor interface {
	// Process consumes mic and reference samples of any length and returns
	// the cleaned samples that are ready so far.
	Process(mic, ref []int16) []int16
	// Flush returns buffered mic samples that never filled a frame.
	Flush() []int16
	// Reset discards all state.
	Reset()
	Enabled() bool
}

// FrameSize is the processing frame for a sample rate: 10 ms, never fewer
// than 160 samples.
func FrameSize(sampleRate int) int {
	return max(160, sampleRate/100)
}

// FilterLength is the adaptive filter length for a frame size.
func FilterLength(frameSize int) int {
	return frameSize * 10
}

// NewProcessor returns a Canceller when enabled is set and factory can
// build a Service, otherwise a Passthrough. Failures are logged, never
// returned.
func NewProcessor(enabled bool, factory Factory, sampleRate int, log zerolog.Logger) Processor {
	if !enabled {
		return Passthrough{}
	}
	if factory == nil || !factory.Available() {
		log.Warn().Msg("echo cancellation requested but unavailable, continuing without it")
		return Passthrough{}
	}
	c, err := NewCanceller(factory, sampleRate)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialise echo canceller, continuing without it")
		return Passthrough{}
	}
	log.Info().
		Int("frame_size", c.frameSize).
		Int("filter_length", c.filterLength).
		Int("sample_rate", sampleRate).
		Msg("echo cancellation enabled")
	return c
}

// Passthrough returns mic samples unchanged.
type Passthrough struct{}

func (Passthrough) Process(mic, _ []int16) []int16 { return mic }
func (Passthrough) Flush() []int16                 { return nil }
func (Passthrough) Reset()                         {}
func (Passthrough) Enabled() bool                  { return false }
