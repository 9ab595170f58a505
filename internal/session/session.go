package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dobachi/omni-meeting-recorder/internal/aec"
	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/capture"
	"github.com/dobachi/omni-meeting-recorder/internal/config"
	"github.com/dobachi/omni-meeting-recorder/internal/mixer"
	"github.com/dobachi/omni-meeting-recorder/internal/observe"
	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
	"github.com/dobachi/omni-meeting-recorder/internal/sink"
)

// ErrShutdownTimeout is logged when capture workers outlive the join
// timeout. It never fails a session whose output was closed; see
// State.WorkersDetached.
var ErrShutdownTimeout = errors.New("capture workers did not stop in time")

// Mode selects which devices a session records.
type Mode string

const (
	ModeLoopback Mode = config.ModeLoopback
	ModeMic      Mode = config.ModeMic
	ModeBoth     Mode = config.ModeBoth
)

func (m Mode) kinds() []audio.Kind {
	switch m {
	case ModeMic:
		return []audio.Kind{audio.KindMic}
	case ModeBoth:
		return []audio.Kind{audio.KindMic, audio.KindLoopback}
	default:
		return []audio.Kind{audio.KindLoopback}
	}
}

// StatusUpdater is an interface for updating status (e.g., a terminal
// status line).
type StatusUpdater interface {
	SetIdle()
	SetRecording(s *Session)
	SetStopping()
	SetError(err error)
}

// OpenWriterFunc creates the output writer once the stream format is known.
type OpenWriterFunc func(path string, format sink.Format, sampleRate, channels, bitrate int) (sink.Writer, error)

// Config holds the recorder's collaborators.
type Config struct {
	Backend       audio.Backend
	EchoFactory   aec.Factory    // Optional - nil disables echo cancellation
	OpenWriter    OpenWriterFunc // Optional - defaults to sink.Open
	Logger        zerolog.Logger
	Metrics       *observe.Metrics
	StatusUpdater StatusUpdater // Optional - can be nil
}

// Options describe one recording.
type Options struct {
	Mode           Mode
	MicDevice      string
	LoopbackDevice string
	OutputPath     string
	Format         sink.Format
	Bitrate        int
	ChunkFrames    int
	QueueCapacity  int
	StereoSplit    bool
	EchoCancel     bool
	MicGain        float64
	LoopbackGain   float64
	MixRatio       float64
	Clock          mixer.ClockPolicy
	JoinTimeout    time.Duration
}

// OptionsFromConfig maps the recording configuration to session options.
func OptionsFromConfig(cfg *config.Config, outputPath string) (Options, error) {
	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	clock, err := mixer.ParseClockPolicy(cfg.Recording.ClockPolicy)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	return Options{
		Mode:           Mode(cfg.Recording.Mode),
		MicDevice:      cfg.Recording.MicDevice,
		LoopbackDevice: cfg.Recording.LoopbackDevice,
		OutputPath:     outputPath,
		Format:         format,
		Bitrate:        cfg.Output.Bitrate,
		ChunkFrames:    cfg.Audio.ChunkFrames,
		QueueCapacity:  cfg.Audio.QueueCapacity,
		StereoSplit:    cfg.Recording.StereoSplit,
		EchoCancel:     cfg.Recording.EchoCancel,
		MicGain:        cfg.Recording.MicGain,
		LoopbackGain:   cfg.Recording.LoopbackGain,
		MixRatio:       cfg.Recording.MixRatio,
		Clock:          clock,
		JoinTimeout:    cfg.Recording.JoinTimeout,
	}, nil
}

func (o *Options) validate() error {
	var errs []error
	switch o.Mode {
	case ModeLoopback, ModeMic, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", o.Mode))
	}
	if o.OutputPath == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if o.MixRatio < 0 || o.MixRatio > 1 {
		errs = append(errs, fmt.Errorf("mix ratio %v outside [0, 1]", o.MixRatio))
	}
	if o.MicGain < 0 || o.LoopbackGain < 0 {
		errs = append(errs, errors.New("gains must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, errors.Join(errs...))
	}

	if o.ChunkFrames <= 0 {
		o.ChunkFrames = 1024
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = capture.DefaultQueueCapacity
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	return nil
}

// Recorder creates sessions against one audio backend.
type Recorder struct {
	backend    audio.Backend
	echo       aec.Factory
	openWriter OpenWriterFunc
	log        zerolog.Logger
	metrics    *observe.Metrics
	status     StatusUpdater
}

func New(cfg Config) *Recorder {
	r := &Recorder{
		backend:    cfg.Backend,
		echo:       cfg.EchoFactory,
		openWriter: cfg.OpenWriter,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		status:     cfg.StatusUpdater,
	}
	if r.openWriter == nil {
		r.openWriter = sink.Open
	}
	if r.metrics == nil {
		r.metrics = observe.Nop()
	}
	return r
}

// Devices lists the backend's capture devices.
func (r *Recorder) Devices() ([]audio.Device, error) {
	return r.backend.Devices()
}

// NewSession resolves devices and checks the output encoder. Nothing is
// opened until Start.
func (r *Recorder) NewSession(opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	devices := make(map[audio.Kind]audio.Device, 2)
	for _, kind := range opts.Mode.kinds() {
		query := opts.LoopbackDevice
		if kind == audio.KindMic {
			query = opts.MicDevice
		}
		dev, err := r.backend.Resolve(kind, query)
		if err != nil {
			if opts.Mode == ModeBoth {
				return nil, fmt.Errorf("%w: both mode needs a mic and a loopback device: %w", config.ErrConfiguration, err)
			}
			return nil, err
		}
		devices[kind] = dev
	}
	if opts.Mode == ModeBoth && devices[audio.KindMic].ID == devices[audio.KindLoopback].ID &&
		devices[audio.KindMic].Kind == devices[audio.KindLoopback].Kind {
		return nil, fmt.Errorf("%w: mic and loopback resolve to the same device", config.ErrConfiguration)
	}

	if err := sink.CheckFormat(opts.Format); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return &Session{
		id:      id,
		opts:    opts,
		rec:     r,
		devices: devices,
		log:     r.log.With().Str("session", id).Logger(),
		done:    make(chan struct{}),
	}, nil
}

// State is a snapshot of a session.
type State struct {
	ID            string
	Mode          Mode
	Recording     bool
	StartedAt     time.Time
	BytesRecorded int64
	OutputPath    string
	SampleRate    int
	Channels      int
	Frames        int64
	MicGain       float64
	LoopbackGain  float64

	// WorkersDetached is set when capture workers did not return within
	// the join timeout and were left to exit once their sources closed.
	WorkersDetached bool
}

// Session is one recording from Start until its output file is closed.
type Session struct {
	id      string
	opts    Options
	rec     *Recorder
	devices map[audio.Kind]audio.Device
	log     zerolog.Logger

	mu       sync.Mutex
	started  bool
	state    State
	sources  []audio.Source
	consumer *sink.Consumer
	cancel   context.CancelFunc
	err      error
	done     chan struct{}
}

func (s *Session) ID() string { return s.id }

// Device returns the resolved device for kind.
func (s *Session) Device(kind audio.Kind) (audio.Device, bool) {
	d, ok := s.devices[kind]
	return d, ok
}

// Start opens the devices and the output file and launches the workers.
// Setup failures are returned before anything runs; later failures are
// reported by Err once Done is closed.
func (s *Session) Start(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	if s.rec.status != nil {
		s.rec.status.SetRecording(s)
	}
	return nil
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("session already started")
	}

	sources := make(map[audio.Kind]audio.Source, 2)
	closeAll := func() {
		for _, src := range sources {
			src.Close()
		}
	}
	for _, kind := range s.opts.Mode.kinds() {
		dev := s.devices[kind]
		src, err := s.rec.backend.Open(dev, s.opts.ChunkFrames)
		if err != nil {
			closeAll()
			return fmt.Errorf("open %s device %q: %w", kind, dev.Name, err)
		}
		sources[kind] = src
	}

	rate, channels := s.outputFormat(sources)
	writer, err := s.rec.openWriter(s.opts.OutputPath, s.opts.Format, rate, channels, s.opts.Bitrate)
	if err != nil {
		closeAll()
		return fmt.Errorf("open output %s: %w", s.opts.OutputPath, err)
	}
	consumer := sink.NewConsumer(writer)

	queues := make(map[audio.Kind]*capture.Queue, 2)
	for kind := range sources {
		queues[kind] = capture.NewQueue(s.opts.QueueCapacity)
	}
	events := make(chan mixer.Event, 16)
	run, err := s.runner(sources, queues, consumer, rate, events)
	if err != nil {
		consumer.Close()
		closeAll()
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, kind := range s.opts.Mode.kinds() {
		opts := []capture.Option{
			capture.WithLogger(s.log.With().Str("component", "capture").Logger()),
			capture.WithMetrics(s.rec.metrics),
		}
		if s.opts.Mode != ModeBoth {
			opts = append(opts, capture.WithDownmix(pcm.DownmixNone))
		}
		w := capture.NewWorker(kind, sources[kind], queues[kind], opts...)
		g.Go(func() error { return w.Run(gctx) })
		s.sources = append(s.sources, sources[kind])
	}

	s.started = true
	s.cancel = cancel
	s.consumer = consumer
	s.state = State{
		ID:           s.id,
		Mode:         s.opts.Mode,
		Recording:    true,
		StartedAt:    time.Now(),
		OutputPath:   s.opts.OutputPath,
		SampleRate:   rate,
		Channels:     channels,
		MicGain:      1,
		LoopbackGain: 1,
	}

	s.log.Info().
		Str("mode", string(s.opts.Mode)).
		Str("output", s.opts.OutputPath).
		Str("format", string(s.opts.Format)).
		Int("sample_rate", rate).
		Int("channels", channels).
		Msg("Recording started")

	mixDone := make(chan error, 1)
	go func() {
		err := run(gctx)
		if err != nil {
			cancel()
		}
		close(events)
		mixDone <- err
	}()
	go s.track(events)
	go s.supervise(g, mixDone)
	return nil
}

func (s *Session) outputFormat(sources map[audio.Kind]audio.Source) (rate, channels int) {
	if s.opts.Mode == ModeBoth {
		mic := sources[audio.KindMic].Format()
		loop := sources[audio.KindLoopback].Format()
		return s.opts.Clock.OutputRate(mic.SampleRate, loop.SampleRate), 2
	}
	for _, src := range sources {
		f := src.Format()
		return f.SampleRate, max(1, f.Channels)
	}
	return 0, 0
}

// runner builds the mixer for both mode, or a relay for a single device.
func (s *Session) runner(sources map[audio.Kind]audio.Source, queues map[audio.Kind]*capture.Queue,
	out mixer.Consumer, rate int, events chan<- mixer.Event) (func(context.Context) error, error) {
	opts := []mixer.Option{
		mixer.WithLogger(s.log.With().Str("component", "mixer").Logger()),
		mixer.WithMetrics(s.rec.metrics),
		mixer.WithEvents(events),
	}

	if s.opts.Mode != ModeBoth {
		for _, q := range queues {
			return mixer.NewRelay(q, out, opts...).Run, nil
		}
	}

	layout := pcm.StereoSplit
	if !s.opts.StereoSplit {
		layout = pcm.MixedMono
	}
	opts = append(opts, mixer.WithEchoCanceller(aec.NewProcessor(s.opts.EchoCancel, s.rec.echo, rate, s.log)))

	m, err := mixer.New(mixer.Config{
		MicRate:      sources[audio.KindMic].Format().SampleRate,
		LoopbackRate: sources[audio.KindLoopback].Format().SampleRate,
		Clock:        s.opts.Clock,
		Layout:       layout,
		MixRatio:     s.opts.MixRatio,
		MicGain:      s.opts.MicGain,
		LoopbackGain: s.opts.LoopbackGain,
	}, queues[audio.KindMic], queues[audio.KindLoopback], out, opts...)
	if err != nil {
		return nil, err
	}
	return m.Run, nil
}

func (s *Session) track(events <-chan mixer.Event) {
	for ev := range events {
		s.mu.Lock()
		s.state.Frames += int64(ev.Frames)
		s.state.MicGain = ev.MicGain
		s.state.LoopbackGain = ev.LoopbackGain
		s.mu.Unlock()
	}
}

// supervise tears the session down once the mixer returns: the output is
// closed first, then capture workers get JoinTimeout to notice
// cancellation before their sources are closed underneath them.
func (s *Session) supervise(g *errgroup.Group, mixDone <-chan error) {
	mixErr := <-mixDone
	closeErr := s.consumer.Close()
	s.cancel()

	workersDone := make(chan error, 1)
	go func() { workersDone <- g.Wait() }()

	var workerErr error
	timedOut := false
	select {
	case workerErr = <-workersDone:
	case <-time.After(s.opts.JoinTimeout):
		timedOut = true
	}

	closeSources := func() {
		for _, src := range s.sources {
			if err := src.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to close audio source")
			}
		}
	}
	if timedOut {
		s.log.Warn().Err(ErrShutdownTimeout).Dur("timeout", s.opts.JoinTimeout).Msg("Capture workers still running, closing sources in background")
		go closeSources()
	} else {
		closeSources()
	}

	err := firstError(mixErr, workerErr, closeErr)

	s.mu.Lock()
	s.err = err
	s.state.Recording = false
	s.state.BytesRecorded = s.consumer.Bytes()
	s.state.WorkersDetached = timedOut
	state := s.state
	s.mu.Unlock()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Int64("bytes", state.BytesRecorded).
		Dur("duration", time.Since(state.StartedAt)).
		Str("output", state.OutputPath).
		Msg("Recording finished")

	if s.rec.status != nil {
		if err != nil {
			s.rec.status.SetError(err)
		} else {
			s.rec.status.SetIdle()
		}
	}
	close(s.done)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// Stop requests shutdown and waits for the output file to be finalised.
func (s *Session) Stop() error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return errors.New("session not started")
	}

	select {
	case <-s.done:
	default:
		s.log.Info().Msg("Stopping recording")
		if s.rec.status != nil {
			s.rec.status.SetStopping()
		}
		cancel()
		<-s.done
	}
	return s.Err()
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the terminal error of a finished session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns a snapshot. BytesRecorded is live while recording.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.Recording && s.consumer != nil {
		st.BytesRecorded = s.consumer.Bytes()
	}
	return st
}
