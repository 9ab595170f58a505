// Package mixer aligns the microphone and loopback streams and emits
// interleaved stereo frames. Loopback arrival drives the output timeline;
// the mic is padded with silence whenever it falls behind.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/aec"
	"github.com/dobachi/omni-meeting-recorder/internal/capture"
	"github.com/dobachi/omni-meeting-recorder/internal/dsp"
	"github.com/dobachi/omni-meeting-recorder/internal/observe"
	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

// Consumer receives finished output frames. A Consume error stops the
// mixer.
type Consumer interface {
	Consume(frame []byte) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(frame []byte) error

func (f ConsumerFunc) Consume(frame []byte) error { return f(frame) }

// Event describes one emitted frame.
type Event struct {
	Frames       int
	Bytes        int
	MicGain      float64
	LoopbackGain float64
}

// Config describes a two-source mix.
type Config struct {
	MicRate      int
	LoopbackRate int
	Clock        ClockPolicy
	Layout       pcm.Layout

	// MixRatio is the mic share in MixedMono, in [0, 1].
	MixRatio float64

	// User gain multipliers, applied on top of automatic gain.
	MicGain      float64
	LoopbackGain float64

	// MaxMicBacklog caps buffered mic audio. When the mic runs ahead of
	// the loopback clock by more than this, the oldest unemitted mic
	// samples are discarded so memory stays bounded; the mic channel then
	// skips ahead rather than lagging. Zero means two seconds at the output
	// rate. A negative value disables the cap and keeps every received
	// sample until it is emitted.
	MaxMicBacklog int
}

// OutputRate is the rate of emitted frames.
func (c Config) OutputRate() int {
	return c.Clock.OutputRate(c.MicRate, c.LoopbackRate)
}

func (c Config) validate() error {
	var errs []error
	if c.MicRate <= 0 || c.LoopbackRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rates must be positive (mic=%d loopback=%d)", c.MicRate, c.LoopbackRate))
	}
	if c.MixRatio < 0 || c.MixRatio > 1 {
		errs = append(errs, fmt.Errorf("mix ratio %v outside [0, 1]", c.MixRatio))
	}
	if c.MicGain < 0 || c.LoopbackGain < 0 {
		errs = append(errs, fmt.Errorf("gains must not be negative (mic=%v loopback=%v)", c.MicGain, c.LoopbackGain))
	}
	return errors.Join(errs...)
}

// Synchronizer drains both intake queues and assembles output frames.
type Synchronizer struct {
	cfg        Config
	outputRate int
	mic        *capture.Queue
	loopback   *capture.Queue
	out        Consumer
	common

	micAGC  *dsp.LevelEstimator
	loopAGC *dsp.LevelEstimator

	micBuf    sampleBuffer
	loopBuf   sampleBuffer
	processed sampleBuffer
}

// common holds what Option can set on a Synchronizer or a Relay.
type common struct {
	echo    aec.Processor
	log     zerolog.Logger
	metrics *observe.Metrics
	events  chan<- Event
}

func newCommon(opts []Option) common {
	c := common{
		echo:    aec.Passthrough{},
		log:     zerolog.Nop(),
		metrics: observe.Nop(),
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Option configures a Synchronizer or a Relay.
type Option func(*common)

// WithEchoCanceller routes the mic through p, using loopback as reference.
// A Relay ignores it.
func WithEchoCanceller(p aec.Processor) Option {
	return func(c *common) { c.echo = p }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *common) { c.log = log }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(c *common) { c.metrics = m }
}

// WithEvents publishes an Event per emitted frame. Sends never block; an
// event is skipped when ch is full.
func WithEvents(ch chan<- Event) Option {
	return func(c *common) { c.events = ch }
}

// New returns a Synchronizer reading mic and loopback and writing to out.
func New(cfg Config, mic, loopback *capture.Queue, out Consumer, opts ...Option) (*Synchronizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Synchronizer{
		cfg:        cfg,
		outputRate: cfg.OutputRate(),
		mic:        mic,
		loopback:   loopback,
		out:        out,
		common:     newCommon(opts),
		micAGC:     dsp.NewLevelEstimator(dsp.MicAGC),
		loopAGC:    dsp.NewLevelEstimator(dsp.LoopbackAGC),
	}
	if s.cfg.MaxMicBacklog == 0 {
		s.cfg.MaxMicBacklog = 2 * s.outputRate
	}
	return s, nil
}

// Run emits frames until ctx is cancelled, then drains what is already
// queued once more and returns. The only error it returns comes from the
// Consumer.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.log.Info().
		Int("output_rate", s.outputRate).
		Str("clock", s.cfg.Clock.String()).
		Str("layout", s.cfg.Layout.String()).
		Bool("echo_cancel", s.echo.Enabled()).
		Msg("Mixer started")

	for {
		if ctx.Err() != nil {
			return s.finish(ctx)
		}

		s.drain()
		if s.loopBuf.Len() > 0 {
			if err := s.emit(ctx); err != nil {
				return err
			}
			continue
		}

		// Nothing to clock the output; park until loopback audio arrives.
		select {
		case <-ctx.Done():
			return s.finish(ctx)
		case c := <-s.loopback.Ready():
			s.appendLoopback(c)
		}
	}
}

func (s *Synchronizer) finish(ctx context.Context) error {
	s.drain()
	if s.loopBuf.Len() > 0 {
		if err := s.emit(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	if left := s.echo.Flush(); len(left) > 0 {
		s.log.Debug().Int("samples", len(left)).Msg("Discarding partial echo-cancellation frame")
	}
	s.log.Info().
		Int64("mic_dropped", s.mic.Dropped()).
		Int64("loopback_dropped", s.loopback.Dropped()).
		Msg("Mixer stopped")
	return nil
}

func (s *Synchronizer) drain() {
	s.mic.Drain(s.appendMic)
	s.loopback.Drain(s.appendLoopback)
}

func (s *Synchronizer) appendMic(c capture.Chunk) {
	s.micBuf.Append(dsp.Resample(c.Samples, c.SampleRate, s.outputRate))
	if s.cfg.MaxMicBacklog < 0 {
		return
	}
	if over := s.micBuf.Len() - s.cfg.MaxMicBacklog; over > 0 {
		s.micBuf.Discard(over)
	}
}

func (s *Synchronizer) appendLoopback(c capture.Chunk) {
	s.loopBuf.Append(dsp.Resample(c.Samples, c.SampleRate, s.outputRate))
}

// emit assembles one frame from the whole loopback buffer.
func (s *Synchronizer) emit(ctx context.Context) error {
	start := time.Now()

	n := s.loopBuf.Len()
	loop := s.loopBuf.Take(n)
	mic := s.micBuf.Take(n)

	frame, micGain, loopGain := s.assemble(mic, loop)
	if err := s.out.Consume(frame); err != nil {
		return fmt.Errorf("write output frame: %w", err)
	}

	s.metrics.RecordFrame(ctx, len(frame), time.Since(start).Seconds())
	if s.events != nil {
		select {
		case s.events <- Event{Frames: n, Bytes: len(frame), MicGain: micGain, LoopbackGain: loopGain}:
		default:
		}
	}
	return nil
}

// assemble turns equal-length mic and loopback slices into an interleaved
// frame and reports the total gain applied to each source.
func (s *Synchronizer) assemble(mic, loop []int16) ([]byte, float64, float64) {
	n := len(loop)
	if s.echo.Enabled() {
		s.processed.Append(s.echo.Process(mic, loop))
		mic = s.processed.Take(n)
	}

	micGain := s.micAGC.Estimate(mic) * s.cfg.MicGain
	loopGain := s.loopAGC.Estimate(loop) * s.cfg.LoopbackGain

	return pcm.Interleave(
		dsp.ApplyGain(mic, micGain),
		dsp.ApplyGain(loop, loopGain),
		s.cfg.Layout,
		s.cfg.MixRatio,
	), micGain, loopGain
}
