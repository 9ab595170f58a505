package audio

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

// chunkBacklog is how many complete chunks the device callback may queue
// ahead of the reader before older audio is discarded.
const chunkBacklog = 16

type miniaudioBackend struct {
	ctx         *malgo.AllocatedContext
	log         zerolog.Logger
	readTimeout time.Duration
}

// NewMiniaudio initialises a miniaudio context. Playback devices are
// exposed as loopback sources and captured in loopback mode.
func NewMiniaudio(log zerolog.Logger) (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &miniaudioBackend{
		ctx:         ctx,
		log:         log.With().Str("backend", BackendMiniaudio).Logger(),
		readTimeout: 2 * time.Second,
	}, nil
}

func (m *miniaudioBackend) Devices() ([]Device, error) {
	var devices []Device

	captureInfos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	for _, info := range captureInfos {
		devices = append(devices, Device{
			ID:      hex.EncodeToString(info.ID[:]),
			Name:    info.Name(),
			Kind:    KindMic,
			Default: info.IsDefault != 0,
		})
	}

	playbackInfos, err := m.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to list playback devices: %w", err)
	}
	for _, info := range playbackInfos {
		devices = append(devices, Device{
			ID:      hex.EncodeToString(info.ID[:]),
			Name:    info.Name(),
			Kind:    KindLoopback,
			Default: info.IsDefault != 0,
		})
	}

	return devices, nil
}

func (m *miniaudioBackend) Resolve(kind Kind, query string) (Device, error) {
	devices, err := m.Devices()
	if err != nil {
		return Device{}, err
	}
	return Resolve(devices, kind, query)
}

func parseDeviceID(idHex string) (malgo.DeviceID, error) {
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return malgo.DeviceID{}, err
	}
	var id malgo.DeviceID
	copy(id[:], raw)
	return id, nil
}

func (m *miniaudioBackend) Open(dev Device, framesPerChunk int) (Source, error) {
	id, err := parseDeviceID(dev.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid device id %q", ErrDeviceUnavailable, dev.ID)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	if dev.Kind == KindLoopback {
		deviceConfig.DeviceType = malgo.Loopback
		deviceConfig.Playback.DeviceID = id.Pointer()
	} else {
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	src := &miniaudioSource{timeout: m.readTimeout}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			src.chunks.write(pInput)
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init device %s: %v", ErrDeviceUnavailable, dev.Name, err)
	}

	channels := int(device.CaptureChannels())
	src.device = device
	src.format = Format{SampleRate: int(device.SampleRate()), Channels: channels}
	src.chunks = newChunker(framesPerChunk*channels*pcm.BytesPerSample, chunkBacklog)

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: failed to start device %s: %v", ErrDeviceUnavailable, dev.Name, err)
	}

	m.log.Info().
		Str("device", dev.Name).
		Str("kind", dev.Kind.String()).
		Int("sample_rate", src.format.SampleRate).
		Int("channels", src.format.Channels).
		Msg("Audio stream opened")

	return src, nil
}

func (m *miniaudioBackend) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return err
	}
	m.ctx.Free()
	return nil
}

type miniaudioSource struct {
	device  *malgo.Device
	format  Format
	chunks  *chunker
	timeout time.Duration
	once    sync.Once
}

func (s *miniaudioSource) Format() Format { return s.format }

func (s *miniaudioSource) ReadChunk() ([]byte, error) {
	return s.chunks.read(s.timeout)
}

func (s *miniaudioSource) Close() error {
	s.once.Do(func() {
		s.device.Uninit()
		s.chunks.close()
	})
	return nil
}

// chunker re-slices callback buffers of arbitrary length into fixed-size
// chunks. write never blocks; when the backlog is full the chunk is dropped.
type chunker struct {
	size    int
	mu      sync.Mutex
	pending []byte
	ready   chan []byte
	done    chan struct{}
	closed  bool
}

func newChunker(size, backlog int) *chunker {
	return &chunker{
		size:    size,
		pending: make([]byte, 0, size*2),
		ready:   make(chan []byte, backlog),
		done:    make(chan struct{}),
	}
}

func (c *chunker) write(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = append(c.pending, b...)
	for len(c.pending) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.pending)
		c.pending = c.pending[:copy(c.pending, c.pending[c.size:])]
		select {
		case c.ready <- chunk:
		default:
			// Reader is behind; drop.
		}
	}
}

func (c *chunker) read(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-c.ready:
		return chunk, nil
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("%w within %s", ErrNoData, timeout)
	}
}

func (c *chunker) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
