package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dobachi/omni-meeting-recorder/internal/audio"
	"github.com/dobachi/omni-meeting-recorder/internal/observe"
	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

const (
	defaultMaxConsecutiveErrors = 50
	defaultRetryDelay           = 10 * time.Millisecond
)

// Worker reads one source and feeds its intake queue.
type Worker struct {
	kind    audio.Kind
	src     audio.Source
	queue   *Queue
	mode    pcm.DownmixMode
	log     zerolog.Logger
	metrics *observe.Metrics

	maxErrors  int
	retryDelay time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithDownmix overrides the per-kind down-mix mode.
func WithDownmix(mode pcm.DownmixMode) Option {
	return func(w *Worker) { w.mode = mode }
}

// WithLogger sets the worker logger.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithErrorBudget sets how many consecutive read failures are retried
// before the worker gives up, and the pause between attempts.
func WithErrorBudget(maxConsecutive int, retryDelay time.Duration) Option {
	return func(w *Worker) {
		w.maxErrors = maxConsecutive
		w.retryDelay = retryDelay
	}
}

// NewWorker creates a worker for src. Microphones are averaged to mono;
// loopback keeps the left channel only.
func NewWorker(kind audio.Kind, src audio.Source, queue *Queue, opts ...Option) *Worker {
	w := &Worker{
		kind:       kind,
		src:        src,
		queue:      queue,
		mode:       pcm.DownmixAverage,
		log:        zerolog.Nop(),
		metrics:    observe.Nop(),
		maxErrors:  defaultMaxConsecutiveErrors,
		retryDelay: defaultRetryDelay,
	}
	if kind == audio.KindLoopback {
		w.mode = pcm.DownmixLeft
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With().Str("source", kind.String()).Logger()
	return w
}

// Run reads until ctx is cancelled. Read failures after cancellation are
// ignored. Before cancellation they are retried, except that an
// unavailable device or an exhausted error budget ends the worker with an
// error wrapping audio.ErrRead. audio.ErrNoData reads are idle time and
// never count against the budget.
func (w *Worker) Run(ctx context.Context) error {
	format := w.src.Format()
	channels := max(1, format.Channels)
	name := w.kind.String()

	w.log.Debug().
		Int("sample_rate", format.SampleRate).
		Int("channels", channels).
		Str("downmix", w.mode.String()).
		Msg("Capture worker started")

	consecutive := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := w.src.ReadChunk()
		if errors.Is(err, audio.ErrNoData) {
			// Silent loopback endpoint; keep waiting.
			consecutive = 0
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.metrics.RecordReadError(ctx, name)
			consecutive++
			if errors.Is(err, audio.ErrDeviceUnavailable) || errors.Is(err, audio.ErrClosed) {
				return fmt.Errorf("%s capture: %w", name, readError(err))
			}
			if consecutive > w.maxErrors {
				return fmt.Errorf("%s capture after %d consecutive failures: %w", name, consecutive, readError(err))
			}
			w.log.Warn().Err(err).Int("consecutive", consecutive).Msg("Capture read failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.retryDelay):
			}
			continue
		}
		consecutive = 0

		if len(raw) == 0 {
			continue
		}

		samples := pcm.ToMono(pcm.Decode(raw), channels, w.mode)
		outChannels := 1
		if w.mode == pcm.DownmixNone {
			outChannels = channels
		}

		w.metrics.RecordChunk(ctx, name)
		if !w.queue.Offer(Chunk{
			Source:     w.kind,
			SampleRate: format.SampleRate,
			Channels:   outChannels,
			Samples:    samples,
		}) {
			w.metrics.RecordDrop(ctx, name)
			w.log.Debug().Int64("dropped", w.queue.Dropped()).Msg("Intake queue full, dropping chunk")
		}
	}
}

func readError(err error) error {
	if errors.Is(err, audio.ErrRead) {
		return err
	}
	return fmt.Errorf("%w: %w", audio.ErrRead, err)
}
