// Package pcm converts between raw interleaved little-endian 16-bit PCM and
// integer sample slices, and assembles the stereo output layout.
package pcm

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one signed 16-bit sample.
const BytesPerSample = 2

// DownmixMode selects how multi-channel frames collapse to mono.
type DownmixMode int

const (
	// DownmixAverage averages every channel of a frame.
	DownmixAverage DownmixMode = iota
	// DownmixLeft keeps only the first channel. Out-of-phase stereo beds
	// cancel when averaged, so loopback sources use this mode.
	DownmixLeft
	// DownmixNone leaves the samples interleaved.
	DownmixNone
)

func (m DownmixMode) String() string {
	switch m {
	case DownmixAverage:
		return "average"
	case DownmixLeft:
		return "left"
	case DownmixNone:
		return "none"
	default:
		return "unknown"
	}
}

// Layout is the channel arrangement of an output frame.
type Layout int

const (
	// StereoSplit puts the mic on the left channel and loopback on the right.
	StereoSplit Layout = iota
	// MixedMono blends both sources and duplicates the result on both channels.
	MixedMono
)

func (l Layout) String() string {
	if l == MixedMono {
		return "mixed"
	}
	return "split"
}

// Decode converts little-endian int16 PCM bytes to samples. A trailing odd
// byte is ignored.
func Decode(b []byte) []int16 {
	samples := make([]int16, len(b)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// Encode converts samples to little-endian int16 PCM bytes.
func Encode(samples []int16) []byte {
	return AppendEncode(make([]byte, 0, len(samples)*BytesPerSample), samples)
}

// AppendEncode appends the little-endian encoding of samples to dst.
func AppendEncode(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// ToMono down-mixes interleaved samples with the given channel count.
// Mono input and DownmixNone return samples as-is. Incomplete trailing
// frames are dropped.
func ToMono(samples []int16, channels int, mode DownmixMode) []int16 {
	if channels <= 1 || mode == DownmixNone {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := range frames {
		frame := samples[i*channels : (i+1)*channels]
		if mode == DownmixLeft {
			mono[i] = frame[0]
			continue
		}
		var sum int32
		for _, s := range frame {
			sum += int32(s)
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// Clamp rounds v toward zero and saturates it to the int16 range.
func Clamp(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	case math.IsNaN(v):
		return 0
	}
	return int16(v)
}

// Interleave builds one stereo output frame from a loopback slice and a mic
// slice. The loopback slice sets the frame length; missing mic samples are
// treated as silence. In MixedMono each channel carries
// mixRatio*mic + (1-mixRatio)*loopback.
func Interleave(mic, loopback []int16, layout Layout, mixRatio float64) []byte {
	out := make([]byte, 0, len(loopback)*2*BytesPerSample)
	for i, l := range loopback {
		var m int16
		if i < len(mic) {
			m = mic[i]
		}
		switch layout {
		case MixedMono:
			v := Clamp(float64(m)*mixRatio + float64(l)*(1-mixRatio))
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		default:
			out = binary.LittleEndian.AppendUint16(out, uint16(m))
			out = binary.LittleEndian.AppendUint16(out, uint16(l))
		}
	}
	return out
}
