package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/audio/audiotest"
	"github.com/dobachi/omni-meeting-recorder/internal/config"
	"github.com/dobachi/omni-meeting-recorder/internal/mixer"
	"github.com/dobachi/omni-meeting-recorder/internal/sink"
)

// memWriter records writes in memory.
type memWriter struct {
	mu       sync.Mutex
	data     []byte
	closed   bool
	writeErr error
}

func (w *memWriter) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.data = append(w.data, p...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) snapshot() ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.data...), w.closed
}

type openCall struct {
	path              string
	format            sink.Format
	rate, ch, bitrate int
}

type writerFactory struct {
	mu     sync.Mutex
	writer *memWriter
	calls  []openCall
	err    error
}

func (f *writerFactory) open(path string, format sink.Format, rate, ch, bitrate int) (sink.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, openCall{path, format, rate, ch, bitrate})
	if f.err != nil {
		return nil, f.err
	}
	return f.writer, nil
}

// mockStatus records status transitions.
type mockStatus struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (m *mockStatus) record(e string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockStatus) SetIdle() { m.record("idle") }

func (m *mockStatus) SetRecording(*Session) { m.record("recording") }

func (m *mockStatus) SetStopping() { m.record("stopping") }

func (m *mockStatus) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.record("error")
}

func (m *mockStatus) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func generating(format audio.Format, v int16, frames int) *audiotest.Source {
	src := audiotest.NewSource(format)
	src.Generate = func() []byte { return audiotest.Constant(v, frames*format.Channels) }
	src.Interval = 2 * time.Millisecond
	return src
}

var (
	micDevice  = audio.Device{ID: "mic-1", Name: "USB Microphone", Kind: audio.KindMic, Default: true}
	loopDevice = audio.Device{ID: "loop-1", Name: "Monitor of Speakers", Kind: audio.KindLoopback, Default: true}
)

func baseOptions(mode Mode) Options {
	return Options{
		Mode:         mode,
		OutputPath:   filepath.Join("out", "recording.wav"),
		Format:       sink.FormatWAV,
		ChunkFrames:  480,
		StereoSplit:  true,
		MicGain:      1,
		LoopbackGain: 1,
		MixRatio:     0.5,
		Clock:        mixer.ClockLoopback,
		JoinTimeout:  time.Second,
	}
}

func newRecorder(backend audio.Backend, wf *writerFactory, status StatusUpdater) *Recorder {
	return New(Config{
		Backend:       backend,
		OpenWriter:    wf.open,
		Logger:        zerolog.Nop(),
		StatusUpdater: status,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewSessionDeviceErrors(t *testing.T) {
	backend := audiotest.NewBackend().
		Add(loopDevice, audiotest.NewSource(audio.Format{SampleRate: 48000, Channels: 2}))
	rec := newRecorder(backend, &writerFactory{writer: &memWriter{}}, nil)

	_, err := rec.NewSession(baseOptions(ModeBoth))
	if !errors.Is(err, config.ErrConfiguration) || !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected configuration error wrapping device error, got %v", err)
	}

	_, err = rec.NewSession(baseOptions(ModeMic))
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if errors.Is(err, config.ErrConfiguration) {
		t.Fatal("single mode should not report a configuration error")
	}

	opts := baseOptions(ModeLoopback)
	opts.LoopbackDevice = "nonexistent"
	if _, err := rec.NewSession(opts); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable for unmatched query, got %v", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	backend := audiotest.NewBackend().
		Add(micDevice, audiotest.NewSource(audio.Format{SampleRate: 48000, Channels: 1})).
		Add(loopDevice, audiotest.NewSource(audio.Format{SampleRate: 48000, Channels: 2}))
	rec := newRecorder(backend, &writerFactory{writer: &memWriter{}}, nil)

	tests := []func(*Options){
		func(o *Options) { o.Mode = "karaoke" },
		func(o *Options) { o.MixRatio = 1.5 },
		func(o *Options) { o.MicGain = -1 },
		func(o *Options) { o.OutputPath = "" },
	}
	for i, mutate := range tests {
		opts := baseOptions(ModeBoth)
		mutate(&opts)
		if _, err := rec.NewSession(opts); !errors.Is(err, config.ErrConfiguration) {
			t.Errorf("case %d: expected ErrConfiguration, got %v", i, err)
		}
	}

	s, err := rec.NewSession(baseOptions(ModeBoth))
	if err != nil {
		t.Fatal(err)
	}
	if s.ID() == "" {
		t.Fatal("expected a session id")
	}
	if d, ok := s.Device(audio.KindMic); !ok || d.ID != micDevice.ID {
		t.Fatalf("expected resolved mic device, got %+v", d)
	}
	if len(backend.Opened()) != 0 {
		t.Fatal("expected no device to be opened before Start")
	}
}

func TestBothModeRecordsStereo(t *testing.T) {
	mic := generating(audio.Format{SampleRate: 16000, Channels: 1}, 1000, 160)
	loop := generating(audio.Format{SampleRate: 48000, Channels: 2}, 2000, 480)
	backend := audiotest.NewBackend().Add(micDevice, mic).Add(loopDevice, loop)

	wf := &writerFactory{writer: &memWriter{}}
	status := &mockStatus{}
	rec := newRecorder(backend, wf, status)

	s, err := rec.NewSession(baseOptions(ModeBoth))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	waitFor(t, "recorded audio", func() bool { return s.State().BytesRecorded >= 48000 })
	if err := s.Stop(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	if len(wf.calls) != 1 {
		t.Fatalf("expected one writer, got %d", len(wf.calls))
	}
	call := wf.calls[0]
	if call.rate != 48000 || call.ch != 2 {
		t.Fatalf("expected 48000 Hz stereo output, got %d Hz %d ch", call.rate, call.ch)
	}

	data, closed := wf.writer.snapshot()
	if !closed {
		t.Fatal("expected writer to be closed")
	}
	if len(data)%4 != 0 {
		t.Fatalf("expected whole stereo frames, got %d bytes", len(data))
	}
	if !mic.Closed() || !loop.Closed() {
		t.Fatal("expected both sources to be closed")
	}

	st := s.State()
	if st.Recording {
		t.Fatal("expected session to report stopped")
	}
	if st.BytesRecorded != int64(len(data)) {
		t.Fatalf("expected %d bytes recorded, got %d", len(data), st.BytesRecorded)
	}

	events := status.list()
	want := []string{"recording", "stopping", "idle"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("expected status %v, got %v", want, events)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("expected repeated Stop to be a no-op, got %v", err)
	}
}

func TestSingleModeKeepsNativeFormat(t *testing.T) {
	mic := audiotest.NewSource(audio.Format{SampleRate: 44100, Channels: 2})
	mic.PushSamples([]int16{1, 2, 3, 4}).PushSamples([]int16{5, 6, 7, 8})
	backend := audiotest.NewBackend().Add(micDevice, mic)

	wf := &writerFactory{writer: &memWriter{}}
	rec := newRecorder(backend, wf, nil)

	s, err := rec.NewSession(baseOptions(ModeMic))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both chunks", func() bool { return s.State().BytesRecorded >= 16 })
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	if call := wf.calls[0]; call.rate != 44100 || call.ch != 2 {
		t.Fatalf("expected native 44100 Hz stereo, got %d Hz %d ch", call.rate, call.ch)
	}
	data, _ := wf.writer.snapshot()
	want := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0, 7, 0, 8, 0}
	if string(data[:16]) != string(want) {
		t.Fatalf("expected samples forwarded unchanged, got %v", data[:16])
	}
	if got := backend.Opened(); len(got) != 1 || got[0] != micDevice.ID {
		t.Fatalf("expected only the mic to be opened, got %v", got)
	}
}

func TestWriterOpenFailureClosesSources(t *testing.T) {
	loop := audiotest.NewSource(audio.Format{SampleRate: 48000, Channels: 2})
	backend := audiotest.NewBackend().Add(loopDevice, loop)
	wf := &writerFactory{err: errors.New("disk full")}
	rec := newRecorder(backend, wf, nil)

	s, err := rec.NewSession(baseOptions(ModeLoopback))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if !loop.Closed() {
		t.Fatal("expected source to be closed after setup failure")
	}
}

func TestCaptureFailureEndsSession(t *testing.T) {
	mic := generating(audio.Format{SampleRate: 48000, Channels: 1}, 100, 480)
	loop := audiotest.NewSource(audio.Format{SampleRate: 48000, Channels: 2})
	loop.Push(audiotest.Constant(50, 960)).Fail(audio.ErrDeviceUnavailable)
	backend := audiotest.NewBackend().Add(micDevice, mic).Add(loopDevice, loop)

	wf := &writerFactory{writer: &memWriter{}}
	status := &mockStatus{}
	rec := newRecorder(backend, wf, status)

	s, err := rec.NewSession(baseOptions(ModeBoth))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to stop on its own")
	}
	if !errors.Is(s.Err(), audio.ErrRead) {
		t.Fatalf("expected ErrRead, got %v", s.Err())
	}
	if _, closed := wf.writer.snapshot(); !closed {
		t.Fatal("expected output to be finalised")
	}
	if status.list()[len(status.list())-1] != "error" {
		t.Fatalf("expected final status error, got %v", status.list())
	}
}

func TestWriteFailureEndsSession(t *testing.T) {
	loop := generating(audio.Format{SampleRate: 48000, Channels: 1}, 10, 480)
	backend := audiotest.NewBackend().Add(loopDevice, loop)
	wf := &writerFactory{writer: &memWriter{writeErr: errors.New("no space left")}}
	rec := newRecorder(backend, wf, nil)

	s, err := rec.NewSession(baseOptions(ModeLoopback))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to stop after write failure")
	}
	if !errors.Is(s.Err(), sink.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", s.Err())
	}
	if !loop.Closed() {
		t.Fatal("expected source to be closed")
	}
}

// stuckSource blocks reads until closed.
type stuckSource struct {
	format audio.Format
	once   sync.Once
	closed chan struct{}
}

func (s *stuckSource) Format() audio.Format { return s.format }

func (s *stuckSource) ReadChunk() ([]byte, error) {
	<-s.closed
	return nil, audio.ErrClosed
}

func (s *stuckSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestShutdownTimeoutKeepsRecording(t *testing.T) {
	src := &stuckSource{format: audio.Format{SampleRate: 48000, Channels: 2}, closed: make(chan struct{})}
	backend := audiotest.NewBackend().Add(loopDevice, src)
	wf := &writerFactory{writer: &memWriter{}}
	rec := newRecorder(backend, wf, nil)

	opts := baseOptions(ModeLoopback)
	opts.JoinTimeout = 20 * time.Millisecond
	s, err := rec.NewSession(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("expected a finalised recording to stop cleanly, got %v", err)
	}
	if _, closed := wf.writer.snapshot(); !closed {
		t.Fatal("expected output to be finalised before the join timeout")
	}
	if !s.State().WorkersDetached {
		t.Fatal("expected the stuck worker to be reported as detached")
	}
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("expected the stuck source to be closed in the background")
	}
}

func TestParentContextCancelStops(t *testing.T) {
	loop := generating(audio.Format{SampleRate: 48000, Channels: 2}, 10, 480)
	backend := audiotest.NewBackend().Add(loopDevice, loop)
	rec := newRecorder(backend, &writerFactory{writer: &memWriter{}}, nil)

	s, err := rec.NewSession(baseOptions(ModeLoopback))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to stop with its context")
	}
	if s.Err() != nil {
		t.Fatalf("expected cancellation not to be reported, got %v", s.Err())
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Recording.Mode = config.ModeBoth
	cfg.Recording.ClockPolicy = "highest"
	cfg.Output.Format = "opus"

	opts, err := OptionsFromConfig(cfg, "meeting.opus")
	if err != nil {
		t.Fatal(err)
	}
	if opts.Mode != ModeBoth || opts.Clock != mixer.ClockHighest || opts.Format != sink.FormatOpus {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.OutputPath != "meeting.opus" || opts.JoinTimeout != 5*time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}

	cfg.Recording.ClockPolicy = "sundial"
	if _, err := OptionsFromConfig(cfg, "x.wav"); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
