package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/queue"
	"github.com/loqalabs/loqa-captions/internal/stabilize"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/loqalabs/loqa-captions/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TierPartial = "partial"
	TierFinal   = "final"
)

// Observer receives transcriber measurements.
type Observer interface {
	DecodeFinished(tier string, elapsed time.Duration, err error)
	CaptionEmitted(kind caption.Kind, dropped bool)
	CaptionRejected(reason string)
}

type nopObserver struct{}

func (nopObserver) DecodeFinished(string, time.Duration, error) {}
func (nopObserver) CaptionEmitted(caption.Kind, bool)          {}
func (nopObserver) CaptionRejected(string)                     {}

// Deps are the collaborators of a Transcriber. Transcript, Observer and
// Handled are optional.
type Deps struct {
	Partial    Decoder
	Final      Decoder
	Vocabulary *Vocabulary
	Outputs    *caption.Outputs
	Transcript *transcript.Log
	Observer   Observer
	Logger     *slog.Logger
	// Handled is called by Run after each event, successful or not.
	Handled    func()
}

// Transcriber consumes utterance events and produces partial and accurate
// captions. All methods except SetSession must be called from one goroutine.
type Transcriber struct {
	cfg         config.STTConfig
	sampleRate  int
	partial     Decoder
	final       Decoder
	partialOpts Options
	finalOpts   Options
	vocab       *Vocabulary
	filter      Filter
	outputs     *caption.Outputs
	transcript  *transcript.Log
	observer    Observer
	handled     func()
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	session     string
	samples     []float32
	stab        *stabilize.Stabilizer
	lastPartial time.Time
	contextTail string
}

func NewTranscriber(cfg config.STTConfig, filter config.FilterConfig, sampleRate int, deps Deps) *Transcriber {
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	vocab := deps.Vocabulary
	if vocab == nil {
		vocab = NewVocabulary("")
	}
	return &Transcriber{
		cfg:         cfg,
		sampleRate:  sampleRate,
		partial:     deps.Partial,
		final:       deps.Final,
		partialOpts: OptionsFrom(cfg.Partial),
		finalOpts:   OptionsFrom(cfg.Final),
		vocab:       vocab,
		filter:      NewFilter(filter),
		outputs:     deps.Outputs,
		transcript:  deps.Transcript,
		observer:    observer,
		handled:     deps.Handled,
		logger:      deps.Logger.With(slog.String("component", "transcriber")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-captions/internal/stt"),
		now:         time.Now,
		stab:        stabilize.New(cfg.StableHyps, cfg.MaxOverlapCheck),
	}
}

// SetSession tags subsequent captions. Call it before Run starts.
func (t *Transcriber) SetSession(id string) {
	t.session = id
}

// ContextTail is the trailing text of recent accurate captions.
func (t *Transcriber) ContextTail() string {
	return t.contextTail
}

// Run handles events until ctx is cancelled. Failures abandon the current
// utterance and the loop keeps going.
func (t *Transcriber) Run(ctx context.Context, events *queue.Queue[vad.Event], poll time.Duration) {
	t.reset()
	for ctx.Err() == nil {
		ev, ok := events.Poll(poll)
		if !ok {
			continue
		}
		err := t.Handle(ctx, ev)
		if t.handled != nil {
			t.handled()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("utterance abandoned", slog.String("event", ev.Kind.String()), slogError(err))
		}
	}
}

// Handle applies one event. On error or panic the utterance is dropped.
func (t *Transcriber) Handle(ctx context.Context, ev vad.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcriber panic: %v", r)
		}
		if err != nil {
			t.reset()
		}
	}()

	switch ev.Kind {
	case vad.KindStart:
		t.reset()
		t.samples = append(t.samples, ev.Audio...)
		return t.maybePartial(ctx)
	case vad.KindChunk:
		if len(ev.Audio) == 0 {
			return nil
		}
		t.samples = append(t.samples, ev.Audio...)
		return t.maybePartial(ctx)
	case vad.KindEnd:
		return t.finalize(ctx)
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (t *Transcriber) reset() {
	t.samples = t.samples[:0]
	t.stab.Reset()
	t.lastPartial = time.Time{}
}

func (t *Transcriber) seconds(n int) float64 {
	return float64(n) / float64(t.sampleRate)
}

func (t *Transcriber) maybePartial(ctx context.Context) error {
	if len(t.samples) == 0 || t.seconds(len(t.samples)) < t.cfg.PartialMinS {
		return nil
	}
	interval := time.Duration(t.cfg.PartialUpdateMS) * time.Millisecond
	if !t.lastPartial.IsZero() && t.now().Sub(t.lastPartial) < interval {
		return nil
	}

	window := t.samples
	if tail := int(t.cfg.PartialTailS * float64(t.sampleRate)); tail > 0 && len(window) > tail {
		window = window[len(window)-tail:]
	}
	opts := t.partialOpts
	opts.Prompt = t.partialPrompt()
	opts.ConditionOnPrevious = false

	res, err := t.decode(ctx, TierPartial, t.partial, window, opts)
	if err != nil {
		return fmt.Errorf("partial decode: %w", err)
	}
	t.lastPartial = t.now()

	words := stabilize.SplitWords(res.Text)
	if len(words) == 0 {
		t.logger.Debug("partial decode returned no text")
		return nil
	}
	snap := t.stab.Update(words)
	line := snap.Line()
	if line == "" {
		return nil
	}
	c := caption.Partial(line, t.now())
	c.SessionID = t.session
	t.observer.CaptionEmitted(caption.KindPartial, t.outputs.Publish(c))
	return nil
}

// partialPrompt combines the vocabulary hint, recent accurate text and the
// committed words of the open utterance.
func (t *Transcriber) partialPrompt() string {
	var b strings.Builder
	b.WriteString(t.vocab.Get())
	if t.contextTail != "" {
		b.WriteString("\n\nPrevious:\n")
		b.WriteString(t.contextTail)
	}
	if words := t.stab.CommittedTail(t.cfg.CommittedPromptWords); len(words) > 0 {
		b.WriteString("\n\nCommitted (tail):\n")
		b.WriteString(strings.Join(words, " "))
	}
	return strings.TrimSpace(b.String())
}

func (t *Transcriber) finalize(ctx context.Context) error {
	defer t.reset()

	dur := t.seconds(len(t.samples))
	if len(t.samples) == 0 || dur < t.cfg.FinalMinS {
		t.logger.Info("utterance too short, skipping", slog.Float64("seconds", dur))
		return nil
	}

	opts := t.finalOpts
	opts.Prompt = t.vocab.Get()
	opts.ConditionOnPrevious = true

	res, err := t.decode(ctx, TierFinal, t.final, t.samples, opts)
	if err != nil {
		return fmt.Errorf("final decode: %w", err)
	}
	res.Text = strings.TrimSpace(res.Text)

	if ok, reason := t.filter.Accept(res); !ok {
		t.logger.Debug("final result rejected",
			slog.String("reason", reason),
			slog.String("text", res.Text),
			slog.Float64("no_speech_prob", res.NoSpeechProb),
			slog.Float64("avg_logprob", res.AvgLogProb))
		t.observer.CaptionRejected(reason)
		return nil
	}

	at := t.now()
	c := caption.Accurate(res.Text, at, res.NoSpeechProb, res.AvgLogProb)
	c.SessionID = t.session
	t.observer.CaptionEmitted(caption.KindAccurate, t.outputs.Publish(c))
	t.logger.Info("accurate caption", slog.String("text", res.Text), slog.Float64("seconds", dur))

	if t.transcript != nil {
		if err := t.transcript.Append(at, res.Text); err != nil {
			t.logger.Warn("transcript append failed", slogError(err))
		}
	}
	t.contextTail = strings.TrimSpace(lastRunes(t.contextTail+" "+res.Text, t.cfg.ContextTailChars))
	return nil
}

func (t *Transcriber) decode(ctx context.Context, tier string, dec Decoder, samples []float32, opts Options) (Result, error) {
	if timeout := time.Duration(t.cfg.DecodeTimeoutMS) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := t.tracer.Start(ctx, "stt.decode", trace.WithAttributes(
		attribute.String("tier", tier),
		attribute.Float64("audio_seconds", t.seconds(len(samples))),
		attribute.Int("beam_size", opts.BeamSize),
	))
	defer span.End()

	started := time.Now()
	res, err := dec.Decode(ctx, samples, opts)
	t.observer.DecodeFinished(tier, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("text_length", len(res.Text)))
	return res, nil
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
