// Package dsp holds the per-chunk signal processing used by the mixer:
// sample-rate conversion and automatic gain control.
package dsp

// Resample converts mono samples from one rate to another by linear
// interpolation. The output has len(samples)*to/from samples. Matching
// rates, empty input, or a non-positive rate return samples unchanged.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		return samples
	}

	n := len(samples) * to / from
	out := make([]int16, n)
	last := len(samples) - 1
	for i := range n {
		// Source position i*from/to split into integer index and fraction.
		num := i * from
		idx := num / to
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float64(num%to) / float64(to)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// ResampledLen reports how many samples Resample produces for n input
// samples.
func ResampledLen(n, from, to int) int {
	if from == to || n == 0 || from <= 0 || to <= 0 {
		return n
	}
	return n * to / from
}
