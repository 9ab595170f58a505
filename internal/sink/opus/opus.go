// Package opus encodes PCM to Opus packets in an Ogg container.
package opus

import (
	"errors"
	"fmt"
	"io"

	"github.com/oov/audio/resampler"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

const (
	frameMs = 20
	// rtpClockRate is the Opus RTP clock; Ogg granule positions use it
	// regardless of the encoder input rate.
	rtpClockRate = 48000
	maxPacket    = 4000
	// resampleQuality is the oov resampler quality level (0-10).
	resampleQuality = 10
)

// ErrEncoder marks failures to create or drive the Opus encoder.
var ErrEncoder = errors.New("opus encoder")

var encoderRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// Available reports whether an encoder can be created.
func Available() error {
	if _, err := gopus.NewEncoder(rtpClockRate, 2, gopus.Audio); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoder, err)
	}
	return nil
}

// Writer encodes interleaved int16 PCM into 20 ms Opus packets. Input at a
// rate Opus does not support is resampled to 48 kHz first.
type Writer struct {
	enc      *gopus.Encoder
	ogg      *oggwriter.OggWriter
	framer   *pcm.Framer
	channels int
	inRate   int
	encRate  int

	rs      *resampler.Resampler
	planIn  [][]float32
	planOut [][]float32

	timestamp uint32
	sequence  uint16
}

// New creates path and writes an Ogg Opus stream to it. bitrate is in
// kbit/s.
func New(path string, sampleRate, channels, bitrate int) (*Writer, error) {
	encRate := encoderRate(sampleRate)
	ogg, err := oggwriter.New(path, uint32(encRate), uint16(channels))
	if err != nil {
		return nil, err
	}
	return newWriter(ogg, sampleRate, channels, bitrate)
}

// NewWith writes the Ogg Opus stream to out.
func NewWith(out io.Writer, sampleRate, channels, bitrate int) (*Writer, error) {
	ogg, err := oggwriter.NewWith(out, uint32(encoderRate(sampleRate)), uint16(channels))
	if err != nil {
		return nil, err
	}
	return newWriter(ogg, sampleRate, channels, bitrate)
}

func encoderRate(sampleRate int) int {
	if encoderRates[sampleRate] {
		return sampleRate
	}
	return rtpClockRate
}

func newWriter(ogg *oggwriter.OggWriter, sampleRate, channels, bitrate int) (*Writer, error) {
	encRate := encoderRate(sampleRate)
	enc, err := gopus.NewEncoder(encRate, channels, gopus.Audio)
	if err != nil {
		ogg.Close()
		return nil, fmt.Errorf("%w: %v", ErrEncoder, err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate * 1000)
	}

	w := &Writer{
		enc:      enc,
		ogg:      ogg,
		framer:   pcm.NewFramer(encRate * frameMs / 1000 * channels),
		channels: channels,
		inRate:   sampleRate,
		encRate:  encRate,
	}
	if encRate != sampleRate {
		w.rs = resampler.New(channels, sampleRate, encRate, resampleQuality)
		w.planIn = make([][]float32, channels)
		w.planOut = make([][]float32, channels)
	}
	return w, nil
}

func (w *Writer) Write(b []byte) error {
	samples := pcm.Decode(b)
	if w.rs != nil {
		samples = w.resample(samples)
	}
	return w.framer.Push(samples, w.encode)
}

// resample converts interleaved samples to the encoder rate, one planar
// channel at a time.
func (w *Writer) resample(samples []int16) []int16 {
	frames := len(samples) / w.channels
	outCap := frames*w.encRate/w.inRate + 16
	written := 0
	for ch := range w.channels {
		in := grow(w.planIn[ch], frames)
		for i := range frames {
			in[i] = float32(samples[i*w.channels+ch]) / 32768
		}
		out := grow(w.planOut[ch], outCap)
		_, n := w.rs.ProcessFloat32(ch, in, out)
		w.planIn[ch], w.planOut[ch] = in, out
		if ch == 0 {
			written = n
		} else {
			written = min(written, n)
		}
	}

	res := make([]int16, written*w.channels)
	for i := range written {
		for ch := range w.channels {
			res[i*w.channels+ch] = pcm.Clamp(float64(w.planOut[ch][i]) * 32768)
		}
	}
	return res
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

func (w *Writer) encode(frame []int16) error {
	frameSize := len(frame) / w.channels
	packet, err := w.enc.Encode(frame, frameSize, maxPacket)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrEncoder, err)
	}
	if err := w.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: w.sequence,
			Timestamp:      w.timestamp,
		},
		Payload: packet,
	}); err != nil {
		return err
	}
	w.sequence++
	w.timestamp += rtpClockRate * frameMs / 1000
	return nil
}

// Close pads the last partial frame with silence, encodes it and closes the
// Ogg stream.
func (w *Writer) Close() error {
	flushErr := w.framer.Flush(w.encode)
	closeErr := w.ogg.Close()
	return errors.Join(flushErr, closeErr)
}
