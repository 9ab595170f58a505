// Package audiotest provides scripted in-memory audio sources and backends
// for tests.
package audiotest

import (
	"fmt"
	"sync"
	"time"

	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

type step struct {
	data []byte
	err  error
}

// Source replays scripted reads. Once the script is exhausted it either
// produces Generate() every Interval or, without a generator, returns an
// empty chunk after Interval.
type Source struct {
	// Generate produces a chunk once the script runs out. Optional.
	Generate func() []byte
	// Interval paces reads after the script. Default 5ms.
	Interval time.Duration

	mu     sync.Mutex
	format audio.Format
	script []step
	reads  int
	closed bool
}

// NewSource returns a source reporting format.
func NewSource(format audio.Format) *Source {
	return &Source{format: format, Interval: 5 * time.Millisecond}
}

// Push queues raw chunks.
func (s *Source) Push(chunks ...[]byte) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.script = append(s.script, step{data: c})
	}
	return s
}

// PushSamples queues one chunk encoded from samples.
func (s *Source) PushSamples(samples []int16) *Source {
	return s.Push(pcm.Encode(samples))
}

// Fail queues a failed read.
func (s *Source) Fail(err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, step{err: err})
	return s
}

func (s *Source) Format() audio.Format { return s.format }

func (s *Source) ReadChunk() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, audio.ErrClosed
	}
	s.reads++
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		return next.data, next.err
	}
	gen, interval := s.Generate, s.Interval
	s.mu.Unlock()

	time.Sleep(interval)
	if gen != nil {
		return gen(), nil
	}
	return nil, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reads is the number of ReadChunk calls made while open.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Pending is the number of scripted reads not yet consumed.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.script)
}

// Backend serves a fixed device list and hands out registered sources.
type Backend struct {
	mu      sync.Mutex
	devices []audio.Device
	sources map[string]audio.Source
	opened  []string
	closed  bool
}

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{sources: make(map[string]audio.Source)}
}

// Add registers dev and the source returned when it is opened.
func (b *Backend) Add(dev audio.Device, src audio.Source) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, dev)
	b.sources[dev.ID] = src
	return b
}

func (b *Backend) Devices() ([]audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.Device, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *Backend) Resolve(kind audio.Kind, query string) (audio.Device, error) {
	devices, _ := b.Devices()
	return audio.Resolve(devices, kind, query)
}

func (b *Backend) Open(dev audio.Device, _ int) (audio.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.sources[dev.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", audio.ErrDeviceUnavailable, dev.ID)
	}
	b.opened = append(b.opened, dev.ID)
	return src, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Opened lists the device IDs opened so far.
func (b *Backend) Opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

// Constant returns n interleaved samples of value v encoded as PCM.
func Constant(v int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return pcm.Encode(s)
}
