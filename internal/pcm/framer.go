package pcm

// Framer cuts a stream of interleaved samples into fixed-size frames.
// Samples that do not fill a frame stay buffered until the next Push.
type Framer struct {
	size    int
	pending []int16
}

// NewFramer returns a Framer emitting frames of size samples.
func NewFramer(size int) *Framer {
	return &Framer{size: size, pending: make([]int16, 0, size*2)}
}

// Size is the number of samples per emitted frame.
func (f *Framer) Size() int { return f.size }

// Buffered is the number of samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.pending) }

// Push appends samples and calls emit once per complete frame. The frame
// passed to emit is only valid for the duration of the call.
func (f *Framer) Push(samples []int16, emit func(frame []int16) error) error {
	f.pending = append(f.pending, samples...)
	off := 0
	for len(f.pending)-off >= f.size {
		if err := emit(f.pending[off : off+f.size]); err != nil {
			f.compact(off)
			return err
		}
		off += f.size
	}
	f.compact(off)
	return nil
}

// Flush zero-pads the buffered remainder to a full frame and emits it.
// It does nothing when no samples are buffered.
func (f *Framer) Flush(emit func(frame []int16) error) error {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]int16, f.size)
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	return emit(frame)
}

func (f *Framer) compact(off int) {
	n := copy(f.pending, f.pending[off:])
	f.pending = f.pending[:n]
}
