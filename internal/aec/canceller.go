package aec

import "fmt"

// Canceller adapts a frame-oriented Service to arbitrary chunk sizes.
// Partial frames are held back until enough mic and reference samples
// arrive to fill one.
type Canceller struct {
	factory      Factory
	sampleRate   int
	frameSize    int
	filterLength int
	svc          Service

	mic []int16
	ref []int16
}

// NewCanceller builds a Canceller for sampleRate using factory.
func NewCanceller(factory Factory, sampleRate int) (*Canceller, error) {
	frame := FrameSize(sampleRate)
	c := &Canceller{
		factory:      factory,
		sampleRate:   sampleRate,
		frameSize:    frame,
		filterLength: FilterLength(frame),
	}
	svc, err := factory.New(c.frameSize, c.filterLength, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create echo canceller: %w", err)
	}
	c.svc = svc
	return c, nil
}

func (c *Canceller) FrameSize() int { return c.frameSize }
func (c *Canceller) Enabled() bool  { return true }

// Process appends to the leftover buffers and runs every complete frame
// through the service. The result may be empty when less than a frame is
// buffered.
func (c *Canceller) Process(mic, ref []int16) []int16 {
	c.mic = append(c.mic, mic...)
	c.ref = append(c.ref, ref...)

	frames := min(len(c.mic), len(c.ref)) / c.frameSize
	if frames == 0 {
		return nil
	}

	out := make([]int16, 0, frames*c.frameSize)
	for i := range frames {
		lo, hi := i*c.frameSize, (i+1)*c.frameSize
		out = append(out, c.svc.Cancel(c.mic[lo:hi], c.ref[lo:hi])...)
	}

	used := frames * c.frameSize
	c.mic = c.mic[:copy(c.mic, c.mic[used:])]
	c.ref = c.ref[:copy(c.ref, c.ref[used:])]
	return out
}

// Flush returns the unprocessed mic leftover and clears both buffers.
func (c *Canceller) Flush() []int16 {
	out := make([]int16, len(c.mic))
	copy(out, c.mic)
	c.mic = c.mic[:0]
	c.ref = c.ref[:0]
	return out
}

// Reset clears the buffers and rebuilds the service so the adaptive filter
// starts from scratch. If the rebuild fails the previous service is kept.
func (c *Canceller) Reset() {
	c.mic = c.mic[:0]
	c.ref = c.ref[:0]
	if svc, err := c.factory.New(c.frameSize, c.filterLength, c.sampleRate); err == nil {
		c.svc = svc
	}
}
