// Package sink persists mixed PCM frames to container files.
package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dobachi/omni-meeting-recorder/internal/sink/opus"
)

var (
	// ErrIO wraps write and close failures of the output file.
	ErrIO = errors.New("output i/o failed")
	// ErrEncoderUnavailable means the compressed format cannot be produced
	// on this system.
	ErrEncoderUnavailable = errors.New("encoder unavailable")
)

// Writer accepts interleaved little-endian int16 PCM.
type Writer interface {
	Write(pcm []byte) error
	Close() error
}

// Format is an output container.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
)

// ParseFormat accepts "wav" (or empty) and "opus"/"ogg".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "wav":
		return FormatWAV, nil
	case "opus", "ogg":
		return FormatOpus, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Ext is the file extension including the dot.
func (f Format) Ext() string {
	if f == FormatOpus {
		return ".opus"
	}
	return ".wav"
}

// CheckFormat checks that format can be encoded here.
func CheckFormat(format Format) error {
	if format != FormatOpus {
		return nil
	}
	if err := opus.Available(); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	return nil
}

// Open creates the writer for format at path. bitrate is in kbit/s and only
// used by compressed formats.
func Open(path string, format Format, sampleRate, channels, bitrate int) (Writer, error) {
	switch format {
	case FormatOpus:
		w, err := opus.New(path, sampleRate, channels, bitrate)
		if err != nil {
			if errors.Is(err, opus.ErrEncoder) {
				return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return w, nil
	default:
		return NewWAVWriter(path, sampleRate, channels)
	}
}

// TimestampLayout formats the {timestamp} placeholder of file name templates.
const TimestampLayout = "20060102_150405"

// OutputPath expands template ("{timestamp}" is replaced) under dir and
// appends the format extension.
func OutputPath(dir, template string, format Format, now time.Time) string {
	name := strings.ReplaceAll(template, "{timestamp}", now.Format(TimestampLayout))
	if name == "" {
		name = "recording_" + now.Format(TimestampLayout)
	}
	if !strings.EqualFold(filepath.Ext(name), format.Ext()) {
		name += format.Ext()
	}
	return filepath.Join(dir, name)
}

// Consumer hands frames to a Writer and counts the bytes delivered. Errors
// are wrapped in ErrIO. Bytes is safe to call from other goroutines.
type Consumer struct {
	w      Writer
	bytes  atomic.Int64
	once   sync.Once
	closeE error
}

func NewConsumer(w Writer) *Consumer {
	return &Consumer{w: w}
}

func (c *Consumer) Consume(frame []byte) error {
	if err := c.w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	c.bytes.Add(int64(len(frame)))
	return nil
}

// Bytes is the total PCM bytes written so far.
func (c *Consumer) Bytes() int64 { return c.bytes.Load() }

// Close finalises the underlying writer once.
func (c *Consumer) Close() error {
	c.once.Do(func() {
		if err := c.w.Close(); err != nil {
			c.closeE = fmt.Errorf("%w: %v", ErrIO, err)
		}
	})
	return c.closeE
}
