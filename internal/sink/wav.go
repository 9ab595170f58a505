package sink

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

// WAVWriter writes 16-bit PCM WAV. The header sizes are only valid after
// Close.
type WAVWriter struct {
	f     *os.File
	enc   *wav.Encoder
	buf   *goaudio.IntBuffer
	wrote bool
}

// NewWAVWriter creates path and prepares a WAV encoder for it.
func NewWAVWriter(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	return &WAVWriter{
		f:   f,
		enc: enc,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
			SourceBitDepth: 16,
		},
	}, nil
}

func (w *WAVWriter) Write(b []byte) error {
	samples := pcm.Decode(b)
	if len(samples) == 0 {
		return nil
	}
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	w.wrote = true
	return w.enc.Write(w.buf)
}

func (w *WAVWriter) Close() error {
	if !w.wrote {
		// Emit the header so an empty recording is still a valid file.
		w.buf.Data = w.buf.Data[:0]
		if err := w.enc.Write(w.buf); err != nil {
			w.f.Close()
			return err
		}
	}
	encErr := w.enc.Close()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	switch {
	case encErr != nil:
		return encErr
	case syncErr != nil:
		return syncErr
	default:
		return closeErr
	}
}
