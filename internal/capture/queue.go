// Package capture runs one reader per audio source and hands converted
// chunks to the mixer through bounded intake queues.
package capture

import (
	"sync/atomic"

	"github.com/dobachi/omni-meeting-recorder/internal/audio"
)

// DefaultQueueCapacity is the intake queue size in chunks.
const DefaultQueueCapacity = 100

// Chunk is one converted hardware read. Samples are mono unless the worker
// was configured with pcm.DownmixNone, in which case Channels is the
// device channel count and Samples are interleaved.
type Chunk struct {
	Source     audio.Kind
	SampleRate int
	Channels   int
	Samples    []int16
}

// Queue is a bounded FIFO of chunks with a single producer and a single
// consumer. Offer never blocks; a full queue discards the incoming chunk.
type Queue struct {
	ch      chan Chunk
	dropped atomic.Int64
}

// NewQueue returns a queue holding at most capacity chunks.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan Chunk, capacity)}
}

// Offer enqueues c and reports whether it was accepted.
func (q *Queue) Offer(c Chunk) bool {
	select {
	case q.ch <- c:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Ready is readable whenever at least one chunk is queued.
func (q *Queue) Ready() <-chan Chunk { return q.ch }

// Drain calls fn for every queued chunk until the queue is empty and
// returns how many chunks were consumed.
func (q *Queue) Drain(fn func(Chunk)) int {
	n := 0
	for {
		select {
		case c := <-q.ch:
			fn(c)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped is the number of chunks rejected by Offer.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
