package audio

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

type portAudioBackend struct {
	log zerolog.Logger
}

// NewPortAudio initialises PortAudio. Loopback devices are the input
// devices whose names mark them as monitor or stereo-mix endpoints.
func NewPortAudio(log zerolog.Logger) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioBackend{log: log.With().Str("backend", BackendPortAudio).Logger()}, nil
}

func (p *portAudioBackend) Devices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]Device, 0, len(devices))
	for i, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		kind := KindMic
		if IsLoopbackName(d.Name) {
			kind = KindLoopback
		}
		result = append(result, Device{
			ID:         strconv.Itoa(i),
			Name:       d.Name,
			Kind:       kind,
			SampleRate: int(d.DefaultSampleRate),
			Channels:   min(d.MaxInputChannels, 2),
			Default:    d == defaultDevice,
		})
	}
	return result, nil
}

func (p *portAudioBackend) Resolve(kind Kind, query string) (Device, error) {
	devices, err := p.Devices()
	if err != nil {
		return Device{}, err
	}
	return Resolve(devices, kind, query)
}

func (p *portAudioBackend) Open(dev Device, framesPerChunk int) (Source, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	idx, err := strconv.Atoi(dev.ID)
	if err != nil || idx < 0 || idx >= len(devices) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, dev.Name)
	}
	info := devices[idx]

	channels := max(1, min(info.MaxInputChannels, 2))
	buffer := make([]int16, framesPerChunk*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      info.DefaultSampleRate,
		FramesPerBuffer: framesPerChunk,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open audio stream: %v", ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: failed to start audio stream: %v", ErrDeviceUnavailable, err)
	}

	p.log.Info().
		Str("device", info.Name).
		Str("kind", dev.Kind.String()).
		Float64("sample_rate", info.DefaultSampleRate).
		Int("channels", channels).
		Msg("Audio stream opened")

	return &portAudioSource{
		stream: stream,
		buffer: buffer,
		format: Format{SampleRate: int(info.DefaultSampleRate), Channels: channels},
	}, nil
}

func (p *portAudioBackend) Close() error {
	return portaudio.Terminate()
}

type portAudioSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	format Format
	closed bool
}

func (s *portAudioSource) Format() Format { return s.format }

func (s *portAudioSource) ReadChunk() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return pcm.Encode(s.buffer), nil
}

// Close stops the stream. It waits for an in-flight read to return.
func (s *portAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	return errors.Join(stopErr, closeErr)
}
