package mixer

// compactThreshold is the consumed prefix length at which a sampleBuffer
// moves its live samples back to the start of the backing array.
const compactThreshold = 1 << 14

// sampleBuffer is a growable sample arena with a read cursor. Reads advance
// head instead of re-slicing the front, and the consumed prefix is reclaimed
// once it dominates the array.
type sampleBuffer struct {
	data []int16
	head int
}

func (b *sampleBuffer) Len() int { return len(b.data) - b.head }

func (b *sampleBuffer) Append(s []int16) {
	b.data = append(b.data, s...)
}

// Take removes up to n samples from the front and returns exactly n,
// zero-filling whatever the buffer could not supply.
func (b *sampleBuffer) Take(n int) []int16 {
	out := make([]int16, n)
	b.head += copy(out, b.data[b.head:])
	b.compact()
	return out
}

// Discard drops the n oldest samples.
func (b *sampleBuffer) Discard(n int) {
	b.head += min(n, b.Len())
	b.compact()
}

func (b *sampleBuffer) Reset() {
	b.data = b.data[:0]
	b.head = 0
}

func (b *sampleBuffer) compact() {
	switch {
	case b.head == len(b.data):
		b.Reset()
	case b.head >= compactThreshold && b.head*2 >= len(b.data):
		n := copy(b.data, b.data[b.head:])
		b.data = b.data[:n]
		b.head = 0
	}
}
