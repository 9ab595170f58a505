package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrDeviceUnavailable means no input or loopback device matched.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrRead is a failed or timed-out hardware read.
	ErrRead = errors.New("audio read failed")
	// ErrClosed is returned by reads on a closed source.
	ErrClosed = errors.New("audio source closed")
	// ErrNoData means the device delivered nothing within the read timeout,
	// which loopback endpoints do while the system plays no sound.
	ErrNoData = errors.New("no audio data")
)

// Kind distinguishes microphone inputs from system-output loopback.
type Kind int

const (
	KindMic Kind = iota
	KindLoopback
)

func (k Kind) String() string {
	if k == KindLoopback {
		return "loopback"
	}
	return "mic"
}

// Device describes a capture endpoint. SampleRate and Channels are hints
// from enumeration; the opened Source reports the actual format.
type Device struct {
	ID         string
	Name       string
	Kind       Kind
	SampleRate int
	Channels   int
	Default    bool
}

// Format is the native layout of an open Source.
type Format struct {
	SampleRate int
	Channels   int
}

// Backend enumerates and opens capture devices.
type Backend interface {
	Devices() ([]Device, error)
	// Resolve picks a device of kind. An empty query selects the default
	// device of that kind; otherwise the query matches an ID exactly or a
	// name case-insensitively by substring.
	Resolve(kind Kind, query string) (Device, error)
	Open(dev Device, framesPerChunk int) (Source, error)
	Close() error
}

// Source is an open capture stream.
type Source interface {
	Format() Format
	// ReadChunk blocks for one chunk of interleaved little-endian int16 PCM.
	ReadChunk() ([]byte, error)
	Close() error
}

// Backend names accepted by NewBackend.
const (
	BackendPortAudio = "portaudio"
	BackendMiniaudio = "miniaudio"
)

// NewBackend initialises the named capture backend.
func NewBackend(name string, log zerolog.Logger) (Backend, error) {
	switch name {
	case "", BackendPortAudio:
		return NewPortAudio(log)
	case BackendMiniaudio:
		return NewMiniaudio(log)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}

// Resolve implements Backend.Resolve over an enumerated device list.
func Resolve(devices []Device, kind Kind, query string) (Device, error) {
	var candidates []Device
	for _, d := range devices {
		if d.Kind == kind {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return Device{}, fmt.Errorf("%w: no %s devices", ErrDeviceUnavailable, kind)
	}

	if query == "" {
		for _, d := range candidates {
			if d.Default {
				return d, nil
			}
		}
		return candidates[0], nil
	}

	for _, d := range candidates {
		if d.ID == query {
			return d, nil
		}
	}
	q := strings.ToLower(query)
	for _, d := range candidates {
		if strings.Contains(strings.ToLower(d.Name), q) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no %s device matching %q", ErrDeviceUnavailable, kind, query)
}

var loopbackMarkers = []string{"monitor", "loopback", "stereo mix", "what u hear", "blackhole"}

// IsLoopbackName reports whether an input device name identifies a
// system-output capture endpoint.
func IsLoopbackName(name string) bool {
	n := strings.ToLower(name)
	for _, m := range loopbackMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}
