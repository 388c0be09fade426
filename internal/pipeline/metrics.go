package pipeline

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records pipeline measurements on the global meter provider. It
// satisfies stt.Observer.
type Metrics struct {
	meter         metric.Meter
	framesDropped metric.Int64Counter
	eventsDropped metric.Int64Counter
	events        metric.Int64Counter
	captions      metric.Int64Counter
	rejected      metric.Int64Counter
	decodeErrors  metric.Int64Counter
	decodeLatency metric.Float64Histogram
}

func newMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("github.com/loqalabs/loqa-captions/pipeline")}
	var err error
	if m.framesDropped, err = m.meter.Int64Counter("captions.frames.dropped",
		metric.WithDescription("Audio frames dropped because the frame queue was full")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = m.meter.Int64Counter("captions.events.dropped",
		metric.WithDescription("Utterance events dropped because the event queue was full")); err != nil {
		return nil, err
	}
	if m.events, err = m.meter.Int64Counter("captions.events.emitted",
		metric.WithDescription("Utterance events emitted by the segmenter")); err != nil {
		return nil, err
	}
	if m.captions, err = m.meter.Int64Counter("captions.emitted",
		metric.WithDescription("Captions published")); err != nil {
		return nil, err
	}
	if m.rejected, err = m.meter.Int64Counter("captions.rejected",
		metric.WithDescription("Final decodes rejected by the acceptance filter")); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = m.meter.Int64Counter("captions.decode.errors",
		metric.WithDescription("Failed decoder calls")); err != nil {
		return nil, err
	}
	if m.decodeLatency, err = m.meter.Float64Histogram("captions.decode.duration_ms",
		metric.WithDescription("Decoder call latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// observeQueues registers gauges reporting the current queue depths of p.
func (m *Metrics) observeQueues(p *Pipeline) error {
	frames, err := m.meter.Int64ObservableGauge("captions.queue.frames", metric.WithDescription("Frames waiting for the segmenter"))
	if err != nil {
		return err
	}
	events, err := m.meter.Int64ObservableGauge("captions.queue.events", metric.WithDescription("Events waiting for the transcriber"))
	if err != nil {
		return err
	}
	outputs, err := m.meter.Int64ObservableGauge("captions.queue.captions", metric.WithDescription("Captions waiting for readers"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(frames, int64(p.frames.Len()))
		obs.ObserveInt64(events, int64(p.events.Len()))
		obs.ObserveInt64(outputs, int64(p.outputs.Queue(caption.KindPartial).Len()),
			metric.WithAttributes(attribute.String("kind", string(caption.KindPartial))))
		obs.ObserveInt64(outputs, int64(p.outputs.Queue(caption.KindAccurate).Len()),
			metric.WithAttributes(attribute.String("kind", string(caption.KindAccurate))))
		return nil
	}, frames, events, outputs)
	return err
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Add(context.Background(), 1)
}

func (m *Metrics) eventEmitted(kind vad.Kind, dropped bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	if dropped {
		m.eventsDropped.Add(ctx, 1)
	}
}

func (m *Metrics) DecodeFinished(tier string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	m.decodeLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		m.decodeErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) CaptionEmitted(kind caption.Kind, dropped bool) {
	if m == nil {
		return
	}
	m.captions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("dropped_oldest", dropped),
	))
}

func (m *Metrics) CaptionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
