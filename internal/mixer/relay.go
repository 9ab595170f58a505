package mixer

import (
	"context"
	"fmt"
	"time"

	"github.com/dobachi/omni-meeting-recorder/internal/capture"
	"github.com/dobachi/omni-meeting-recorder/internal/pcm"
)

// Relay forwards a single source to the Consumer unchanged, for sessions
// that record only one device.
type Relay struct {
	queue *capture.Queue
	out   Consumer
	common
}

// NewRelay returns a Relay draining queue into out. It accepts the same
// logger, metrics and event options as the Synchronizer.
func NewRelay(queue *capture.Queue, out Consumer, opts ...Option) *Relay {
	return &Relay{queue: queue, out: out, common: newCommon(opts)}
}

// Run forwards chunks until ctx is cancelled, then flushes what is queued.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			var err error
			r.queue.Drain(func(c capture.Chunk) {
				if err == nil {
					err = r.forward(context.WithoutCancel(ctx), c)
				}
			})
			return err
		case c := <-r.queue.Ready():
			if err := r.forward(ctx, c); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) forward(ctx context.Context, c capture.Chunk) error {
	start := time.Now()
	frame := pcm.Encode(c.Samples)
	if err := r.out.Consume(frame); err != nil {
		return fmt.Errorf("write output frame: %w", err)
	}
	r.metrics.RecordFrame(ctx, len(frame), time.Since(start).Seconds())
	if r.events != nil {
		select {
		case r.events <- Event{Frames: len(c.Samples) / max(1, c.Channels), Bytes: len(frame), MicGain: 1, LoopbackGain: 1}:
		default:
		}
	}
	return nil
}
