package caption

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/queue"
)

// Outputs fans captions out to one bounded queue per kind and to any
// registered sinks. Readers may poll the queues from any goroutine.
type Outputs struct {
	partial  *queue.Queue[Caption]
	accurate *queue.Queue[Caption]
	logger   *slog.Logger

	mu    sync.RWMutex
	sinks map[Kind][]Sink
}

func NewOutputs(queueSize int, logger *slog.Logger) *Outputs {
	return &Outputs{
		partial:  queue.New[Caption](queueSize),
		accurate: queue.New[Caption](queueSize),
		logger:   logger.With(slog.String("component", "captions")),
		sinks:    make(map[Kind][]Sink),
	}
}

// Register adds a sink for kind. Sinks are called synchronously on the
// producing goroutine and must not block for long.
func (o *Outputs) Register(kind Kind, sink Sink) {
	if sink == nil {
		return
	}
	o.mu.Lock()
	o.sinks[kind] = append(o.sinks[kind], sink)
	o.mu.Unlock()
}

// Publish enqueues c and hands it to every sink registered for its kind. It
// reports whether an older caption was dropped to make room.
func (o *Outputs) Publish(c Caption) bool {
	dropped := o.Queue(c.Kind).Put(c)

	o.mu.RLock()
	sinks := o.sinks[c.Kind]
	o.mu.RUnlock()
	for _, sink := range sinks {
		o.deliver(sink, c)
	}
	return dropped
}

func (o *Outputs) deliver(sink Sink, c Caption) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("caption sink panicked",
				slog.String("kind", string(c.Kind)),
				slog.String("error", fmt.Sprint(r)))
		}
	}()
	sink.Deliver(c)
}

// Queue returns the queue for kind.
func (o *Outputs) Queue(kind Kind) *queue.Queue[Caption] {
	if kind == KindAccurate {
		return o.accurate
	}
	return o.partial
}

// Next waits up to timeout for the next caption of kind. A zero timeout does
// not wait.
func (o *Outputs) Next(kind Kind, timeout time.Duration) (Caption, bool) {
	return o.Queue(kind).Poll(timeout)
}

// Wait blocks until a caption of kind is available or ctx ends.
func (o *Outputs) Wait(ctx context.Context, kind Kind) (Caption, error) {
	return o.Queue(kind).Get(ctx)
}

// Reset discards queued captions.
func (o *Outputs) Reset() {
	o.partial.Drain()
	o.accurate.Drain()
}
